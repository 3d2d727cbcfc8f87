package biliapi

import (
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
)

// persistedCookie is the on-disk shape of one cookiejar.Cookie entry.
type persistedCookie struct {
	Domain string `json:"domain"`
	Name   string `json:"name"`
	Value  string `json:"value"`
	Path   string `json:"path"`
}

// LoadCookieJar reads a previously saved jar from path. Per spec.md §4.3,
// a missing or corrupt file is not fatal: the poller must still start with
// an empty jar, so any read or decode error here is swallowed and reported
// only through the returned bool.
func LoadCookieJar(path string) (http.CookieJar, bool) {
	jar, _ := cookiejar.New(nil)

	data, err := os.ReadFile(path)
	if err != nil {
		return jar, false
	}
	var saved []persistedCookie
	if err := json.Unmarshal(data, &saved); err != nil {
		return jar, false
	}

	byHost := make(map[string][]*http.Cookie)
	for _, c := range saved {
		byHost[c.Domain] = append(byHost[c.Domain], &http.Cookie{
			Name:  c.Name,
			Value: c.Value,
			Path:  c.Path,
		})
	}
	for host, cookies := range byHost {
		u := &url.URL{Scheme: "https", Host: host}
		jar.SetCookies(u, cookies)
	}
	return jar, true
}

// SaveCookieJar persists the jar's cookies for the given hosts to path.
func SaveCookieJar(path string, jar http.CookieJar, hosts []string) error {
	var flat []persistedCookie
	for _, host := range hosts {
		u := &url.URL{Scheme: "https", Host: host}
		for _, c := range jar.Cookies(u) {
			flat = append(flat, persistedCookie{
				Domain: host,
				Name:   c.Name,
				Value:  c.Value,
				Path:   c.Path,
			})
		}
	}
	data, err := json.MarshalIndent(flat, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
