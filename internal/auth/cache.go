package auth

import (
	"encoding/json"

	"golang.org/x/crypto/ssh"
)

// cachedUserInfo is the JSON-serializable form of UserInfo: ssh.PublicKey
// values aren't themselves serializable, so keys round-trip through their
// authorized_keys line form.
type cachedUserInfo struct {
	Username   string   `json:"username"`
	DN         string   `json:"dn"`
	PublicKeys []string `json:"public_keys"`
}

func encodeUserInfo(info *UserInfo) ([]byte, error) {
	c := cachedUserInfo{Username: info.Username, DN: info.DN}
	for _, pk := range info.PublicKeys {
		c.PublicKeys = append(c.PublicKeys, string(ssh.MarshalAuthorizedKey(pk)))
	}
	return json.Marshal(c)
}

func decodeUserInfo(raw []byte) (*UserInfo, error) {
	var c cachedUserInfo
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	info := &UserInfo{Username: c.Username, DN: c.DN}
	for _, line := range c.PublicKeys {
		pk, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			continue
		}
		info.PublicKeys = append(info.PublicKeys, pk)
	}
	return info, nil
}
