//go:build unix

package pathguard

import "syscall"

const noFollow = syscall.O_NOFOLLOW
