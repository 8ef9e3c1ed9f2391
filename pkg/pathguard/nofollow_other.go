//go:build !unix

package pathguard

const noFollow = 0
