package llm

import (
	"fmt"
	"os"
	"strings"
)

// keyEnv names the environment variable consulted when a spec carries no
// api_key.
var keyEnv = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
}

// Resolve turns the config's model spec into a Client and the model name.
//
// A string spec is "provider:model" or a bare Ollama model name. The
// openai and anthropic providers accept a string spec only when their
// key variable (OPENAI_API_KEY, ANTHROPIC_API_KEY) is set. A map spec
// takes provider, model, base_url, api_key (or api_key_env naming a
// variable) and, for the proxy provider, callback_url.
func Resolve(modelSpec any) (Client, string, error) {
	switch v := modelSpec.(type) {
	case string:
		return resolveString(v)
	case map[string]any:
		return resolveMap(v)
	default:
		return nil, "", fmt.Errorf("unsupported model spec type: %T", modelSpec)
	}
}

func resolveString(spec string) (Client, string, error) {
	provider, model, _ := strings.Cut(spec, ":")
	switch provider {
	case "ollama":
		return ollama("", model)
	case "openai", "anthropic":
		if key := os.Getenv(keyEnv[provider]); key != "" {
			return resolveMap(map[string]any{"provider": provider, "model": model, "api_key": key})
		}
		return nil, "", fmt.Errorf("%s needs %s or the map format with credentials (e.g. {\"provider\":%q,\"model\":\"...\",\"api_key\":\"...\"})", provider, keyEnv[provider], provider)
	case "gateway", "proxy":
		return nil, "", fmt.Errorf("%s provider requires the map format", provider)
	}
	// "llama3.1:8b" is a model name with a tag, not a provider.
	return ollama("", spec)
}

func resolveMap(spec map[string]any) (Client, string, error) {
	str := func(key string) string {
		s, _ := spec[key].(string)
		return strings.TrimSpace(s)
	}
	provider, model, baseURL := str("provider"), str("model"), str("base_url")
	apiKey := str("api_key")
	if apiKey == "" {
		if name := str("api_key_env"); name != "" {
			apiKey = os.Getenv(name)
		} else if name, ok := keyEnv[provider]; ok {
			apiKey = os.Getenv(name)
		}
	}

	switch provider {
	case "", "ollama":
		return ollama(baseURL, model)
	case "openai":
		if apiKey == "" {
			return nil, "", fmt.Errorf("openai provider requires api_key in model spec")
		}
		if baseURL == "" {
			baseURL = "https://api.openai.com/v1"
		}
		return NewOpenAIClient(baseURL, apiKey, model), model, nil
	case "anthropic":
		if apiKey == "" {
			return nil, "", fmt.Errorf("anthropic provider requires api_key in model spec")
		}
		return NewAnthropicClient(baseURL, apiKey, model), model, nil
	case "gateway":
		// Any OpenAI-compatible endpoint: vLLM, LiteLLM, LM Studio.
		if baseURL == "" {
			return nil, "", fmt.Errorf("gateway provider requires base_url in model spec")
		}
		return NewOpenAIClient(baseURL, apiKey, model), model, nil
	case "proxy":
		callbackURL := str("callback_url")
		if callbackURL == "" {
			return nil, "", fmt.Errorf("proxy provider requires callback_url")
		}
		return NewHTTPProxyClient(callbackURL, model), model, nil
	default:
		return nil, "", fmt.Errorf("unknown provider: %q", provider)
	}
}

func ollama(baseURL, model string) (Client, string, error) {
	if model == "" {
		return nil, "", fmt.Errorf("ollama model name is empty")
	}
	c, err := NewOllamaClient(baseURL, model)
	if err != nil {
		return nil, "", err
	}
	return c, model, nil
}
