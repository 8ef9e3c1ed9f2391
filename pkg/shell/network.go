package shell

import (
	"net/url"
	"strings"
)

// NetworkHint is the request a curl or wget invocation implies. It is a
// heuristic: the method that actually goes on the wire is enforced by the
// egress proxy.
type NetworkHint struct {
	Tool   string
	Method string
	URLs   []*url.URL
}

// curlValueOpts are curl options that consume the next word.
var curlValueOpts = set(
	"-o", "--output", "-H", "--header", "-A", "--user-agent", "-u", "--user",
	"-e", "--referer", "-b", "--cookie", "-c", "--cookie-jar", "-x", "--proxy",
	"-m", "--max-time", "--connect-timeout", "-w", "--write-out", "-K", "--config",
	"--resolve", "--connect-to", "-r", "--range", "-E", "--cert", "--key", "--cacert",
	"-U", "--proxy-user", "--retry", "-Y", "--speed-limit", "-y", "--speed-time",
	"-z", "--time-cond", "--limit-rate", "--max-filesize", "--interface", "-Q", "--quote",
)

// curlBodyOpts imply POST unless -X or -G says otherwise. They consume a value.
var curlBodyOpts = set(
	"-d", "--data", "--data-ascii", "--data-binary", "--data-raw", "--data-urlencode",
	"-F", "--form", "--form-string", "--json",
)

var wgetValueOpts = set(
	"-O", "--output-document", "-o", "--output-file", "-a", "--append-output",
	"-U", "--user-agent", "--header", "-e", "--execute", "-t", "--tries",
	"-T", "--timeout", "-P", "--directory-prefix", "--user", "--password",
	"--referer", "-i", "--input-file", "--load-cookies", "--save-cookies",
)

func networkHint(base string, args []string) (NetworkHint, bool) {
	switch base {
	case "curl":
		return curlHint(args), true
	case "wget":
		return wgetHint(args), true
	}
	return NetworkHint{}, false
}

func curlTakesValue(opt string) bool {
	return opt == "-X" || opt == "--request" || opt == "-T" || opt == "--upload-file" ||
		opt == "--url" || curlValueOpts[opt] || curlBodyOpts[opt]
}

func wgetTakesValue(opt string) bool {
	return opt == "--method" || opt == "--post-data" || opt == "--post-file" ||
		opt == "--body-data" || opt == "--body-file" || wgetValueOpts[opt]
}

// splitShort expands bundled short options: "-sLX POST" becomes
// "-s -L -X POST" and "-fsd@x" becomes "-f -s -d @x". The first letter that
// takes a value consumes the rest of the word, or the next word.
func splitShort(args []string, takesValue func(string) bool) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			return append(out, args[i:]...)
		}
		if !strings.HasPrefix(a, "-") || strings.HasPrefix(a, "--") || len(a) <= 2 {
			out = append(out, a)
			if takesValue(a) && i+1 < len(args) {
				i++
				out = append(out, args[i])
			}
			continue
		}
		needsValue := false
		for j := 1; j < len(a); j++ {
			opt := "-" + a[j:j+1]
			out = append(out, opt)
			if takesValue(opt) {
				if rest := a[j+1:]; rest != "" {
					out = append(out, rest)
				} else {
					needsValue = true
				}
				break
			}
		}
		if needsValue && i+1 < len(args) {
			i++
			out = append(out, args[i])
		}
	}
	return out
}

func curlHint(args []string) NetworkHint {
	args = splitShort(args, curlTakesValue)
	h := NetworkHint{Tool: "curl"}
	var explicit, implied string
	get := false
	for i := 0; i < len(args); i++ {
		a := args[i]
		next := func() string {
			if i+1 < len(args) {
				i++
				return args[i]
			}
			return ""
		}
		switch {
		case a == "-X" || a == "--request":
			explicit = next()
		case strings.HasPrefix(a, "--request="):
			explicit = strings.TrimPrefix(a, "--request=")
		case a == "-G" || a == "--get":
			get = true
		case a == "-I" || a == "--head":
			implied = "HEAD"
		case a == "-T" || a == "--upload-file":
			next()
			implied = "PUT"
		case curlBodyOpts[a]:
			next()
			if implied == "" || implied == "HEAD" {
				implied = "POST"
			}
		case hasBodyPrefix(a):
			if implied == "" || implied == "HEAD" {
				implied = "POST"
			}
		case a == "--url":
			h.addURL(next())
		case strings.HasPrefix(a, "--url="):
			h.addURL(strings.TrimPrefix(a, "--url="))
		case curlValueOpts[a]:
			next()
		case strings.HasPrefix(a, "-"):
		default:
			h.addURL(a)
		}
	}
	switch {
	case explicit != "":
		h.Method = strings.ToUpper(explicit)
	case get && implied == "POST":
		h.Method = "GET"
	case implied != "":
		h.Method = implied
	default:
		h.Method = "GET"
	}
	return h
}

// hasBodyPrefix matches "--data=value" spellings.
func hasBodyPrefix(a string) bool {
	if !strings.HasPrefix(a, "--") {
		return false
	}
	i := strings.IndexByte(a, '=')
	return i > 0 && curlBodyOpts[a[:i]]
}

func wgetHint(args []string) NetworkHint {
	args = splitShort(args, wgetTakesValue)
	h := NetworkHint{Tool: "wget", Method: "GET"}
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--post-data" || a == "--post-file" || a == "--body-data" || a == "--body-file":
			i++
			if h.Method == "GET" {
				h.Method = "POST"
			}
		case strings.HasPrefix(a, "--post-data=") || strings.HasPrefix(a, "--post-file="),
			strings.HasPrefix(a, "--body-data=") || strings.HasPrefix(a, "--body-file="):
			if h.Method == "GET" {
				h.Method = "POST"
			}
		case a == "--method":
			if i+1 < len(args) {
				i++
				h.Method = strings.ToUpper(args[i])
			}
		case strings.HasPrefix(a, "--method="):
			h.Method = strings.ToUpper(strings.TrimPrefix(a, "--method="))
		case a == "--spider":
			h.Method = "HEAD"
		case wgetValueOpts[a]:
			i++
		case strings.HasPrefix(a, "-"):
		default:
			h.addURL(a)
		}
	}
	return h
}

// addURL parses a positional argument as a URL. Scheme-less arguments get
// http://, as curl and wget assume.
func (h *NetworkHint) addURL(s string) {
	if s == "" {
		return
	}
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return
	}
	h.URLs = append(h.URLs, u)
}
