package config

// Environment variables consulted by FromEnv. All optional: an unset
// variable falls back to an interactive prompt with the listed default.
const (
	EnvMainUser      = "PGRIG_MAIN_USER"
	EnvMainPassword  = "PGRIG_MAIN_PASSWORD"
	EnvProxyUser     = "PGRIG_PROXY_USER"
	EnvProxyPassword = "PGRIG_PROXY_PASSWORD"
	EnvConnectString = "PGRIG_CONNECT_STRING"
	EnvAdminUser     = "PGRIG_ADMIN_USER"
	EnvAdminPassword = "PGRIG_ADMIN_PASSWORD"
)

// Defaults offered by the prompts when the environment leaves a value unset.
const (
	DefaultMainUser      = "pgrigtest"
	DefaultProxyUser     = "pgrigtestproxy"
	DefaultAdminUser     = "postgres"
	DefaultConnectString = "postgres://localhost:5432/pgrigdb"
)

func envOrPrompt(envVar, label, def string, secret bool) SecretRef {
	return SecretRef{
		EnvVar: envVar,
		Prompt: &PromptSpec{Label: label, Default: def, Secret: secret},
	}
}

// FromEnv builds the standard environment-backed profile: every parameter
// reads its PGRIG_* variable and falls back to prompting. Pool and connect
// settings stay at their defaults; load a profile file to change them.
func FromEnv() *Profile {
	return &Profile{
		ConnectString: envOrPrompt(EnvConnectString, "connect string", DefaultConnectString, false),
		Main: UserConfig{
			Username: envOrPrompt(EnvMainUser, "main user name", DefaultMainUser, false),
			Password: envOrPrompt(EnvMainPassword, "password for main user", "", true),
		},
		Proxy: UserConfig{
			Username: envOrPrompt(EnvProxyUser, "proxy user name", DefaultProxyUser, false),
			Password: envOrPrompt(EnvProxyPassword, "password for proxy user", "", true),
		},
		Admin: UserConfig{
			Username: envOrPrompt(EnvAdminUser, "admin user name", DefaultAdminUser, false),
			Password: envOrPrompt(EnvAdminPassword, "password for admin user", "", true),
		},
	}
}
