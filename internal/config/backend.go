package config

// ConfigBackend is where persisted settings live between runs: the
// `defaults` domain on macOS, a JSON file under XDG_CONFIG_HOME elsewhere.
// Keys are the dotted names accepted by `querysmith config set`.
// Environment variables override whatever a backend returns.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}
