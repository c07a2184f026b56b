package proxy

import (
	"net/http"
	"strconv"
	"strings"
)

// addViaHeader appends this hop's Via entry without disturbing any upstream
// entries already present, and without adding a duplicate for this alias.
// alias is Config.ProxyAlias: the bootstrap-configured pseudonym identifying
// this proxy instance, defaulting to the local hostname.
func addViaHeader(header http.Header, protoMajor, protoMinor int, alias string) {
	entry := viaProtoVersion(protoMajor, protoMinor) + " " + alias
	for _, existing := range header.Values("Via") {
		if strings.Contains(existing, alias) {
			return
		}
	}
	header.Add("Via", entry)
}

func viaProtoVersion(major, minor int) string {
	return strconv.Itoa(major) + "." + strconv.Itoa(minor)
}
