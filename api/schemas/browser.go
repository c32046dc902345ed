// api/schemas/browser.go
package schemas

// Cookie is a browser cookie in a transport-neutral shape. It deliberately
// avoids importing cdproto types so the schemas package stays free of engine
// dependencies; the orchestrator converts to and from CDP structures.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"` // Unix seconds; 0 means session cookie.
	HTTPOnly bool    `json:"http_only"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"same_site,omitempty"`
}

// StorageState is the serialized authentication state of a browsing context:
// everything needed to resume an authenticated session without re-login.
type StorageState struct {
	Cookies        []Cookie          `json:"cookies"`
	LocalStorage   map[string]string `json:"local_storage,omitempty"`
	SessionStorage map[string]string `json:"session_storage,omitempty"`
	// Origin records which URL the storage snapshot was taken from;
	// localStorage is origin-scoped so restoring it elsewhere is meaningless.
	Origin string `json:"origin,omitempty"`
}

// IsEmpty reports whether the state carries nothing worth persisting.
func (s *StorageState) IsEmpty() bool {
	return s == nil || (len(s.Cookies) == 0 && len(s.LocalStorage) == 0 && len(s.SessionStorage) == 0)
}

// Credentials is transient login input. It is passed through a single login
// attempt and never persisted; only the resulting StorageState is saved.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}
