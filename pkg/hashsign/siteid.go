package hashsign

import (
	"github.com/mr-tron/base58"
	"golang.org/x/text/unicode/norm"
)

// SiteId is the 32-byte content-independent identifier derived from a
// publisher's public key and a site name (§3).
type SiteId = Hash

// NormalizeSiteName applies NFC normalization to a site name so that
// visually-equivalent names produce the same SiteId.
func NormalizeSiteName(name string) string {
	return norm.NFC.String(name)
}

// ComputeSiteId derives the SiteId for a (publisher, name) pair:
// SiteId = BLAKE3(publisher_public_key ‖ utf8(site_name)).
func ComputeSiteId(publisher PublicKey, name string) SiteId {
	name = NormalizeSiteName(name)
	buf := make([]byte, 0, len(publisher)+len(name))
	buf = append(buf, publisher...)
	buf = append(buf, name...)
	return Sum(buf)
}

// EncodeSiteId renders a SiteId as base58, the external reference form (§3).
func EncodeSiteId(id SiteId) string {
	return base58.Encode(id[:])
}

// DecodeSiteId parses a base58-encoded SiteId.
func DecodeSiteId(s string) (SiteId, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return SiteId{}, err
	}
	var id SiteId
	if len(b) != HashSize {
		return SiteId{}, errBadSiteIdLength
	}
	copy(id[:], b)
	return id, nil
}

var errBadSiteIdLength = siteIdLengthError{}

type siteIdLengthError struct{}

func (siteIdLengthError) Error() string { return "hashsign: decoded site id has wrong length" }
