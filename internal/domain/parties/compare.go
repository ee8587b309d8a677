package parties

import (
	"cmp"
	"strings"
)

// CompareIdentity orders identities by country code, party id, then role.
func CompareIdentity(a, b Identity) int {
	return cmp.Or(
		strings.Compare(a.CountryCode, b.CountryCode),
		strings.Compare(a.PartyID, b.PartyID),
		strings.Compare(string(a.Role), string(b.Role)),
	)
}

func compareLocal(a, b LocalAccessInfo) int {
	return cmp.Or(
		strings.Compare(a.AccessToken, b.AccessToken),
		compareBool(a.Base64Encoded, b.Base64Encoded),
	)
}

func compareRemote(a, b RemoteAccessInfo) int {
	return cmp.Or(
		strings.Compare(a.VersionsURL, b.VersionsURL),
		strings.Compare(a.AccessToken, b.AccessToken),
	)
}

func compareBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	}
	return 1
}
