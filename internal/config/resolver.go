package config

// Environment variables that always override their persisted counterparts.
const (
	// EnvAPIKey overrides the stored API key.
	EnvAPIKey = "ANTHROPIC_API_KEY"
	// EnvBaseURL overrides the stored API base URL.
	EnvBaseURL = "ANTHROPIC_BASE_URL"
)

// Source identifies which layer produced an effective value.
type Source string

const (
	// SourceEnv means the environment layer supplied the value.
	SourceEnv Source = "env"
	// SourceStored means the persisted settings layer supplied the value.
	SourceStored Source = "stored"
	// SourceNone means neither layer has a value.
	SourceNone Source = ""
)

// Resolve maps (env, stored) to (effective, source).
//
// The environment layer is consulted first; a set-but-empty environment
// variable does not count as an override.
func Resolve(envValue string, envSet bool, stored string) (string, Source) {
	if envSet && envValue != "" {
		return envValue, SourceEnv
	}
	if stored != "" {
		return stored, SourceStored
	}
	return "", SourceNone
}
