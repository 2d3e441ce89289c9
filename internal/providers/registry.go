// Package providers implements the LLM backends behind schema.LLMProvider.
//
// A single OpenAI-compatible HTTP provider covers every backend; the
// registry below maps model names, API keys and base URLs onto the
// provider-specific quirks (routing prefixes, default endpoints, parameter
// overrides).
package providers

import "strings"

// ModelOverride applies extra request parameters for a model pattern.
type ModelOverride struct {
	Pattern   string         // case-insensitive substring matched in the model name
	Overrides map[string]any // parameters merged into the request body
}

// ProviderSpec is the metadata record for one LLM backend.
type ProviderSpec struct {
	Name        string   // config field name, e.g. "dashscope"
	Keywords    []string // model-name keywords for matching (lowercase)
	EnvKey      string   // env var conventionally holding the API key
	DisplayName string   // shown in `silverotter status`

	// Model prefixing used by resolveModel.
	RoutePrefix  string   // prefix this provider's models carry in config
	SkipPrefixes []string // don't treat the model as prefixed if it starts with one of these

	// Gateway / local detection.
	IsGateway           bool   // routes any model (OpenRouter-style)
	IsLocal             bool   // local deployment (vLLM)
	DetectByKeyPrefix   string // api_key prefix identifying the gateway
	DetectByBaseKeyword string // substring of api_base identifying the gateway
	DefaultAPIBase      string // fallback base URL when none is configured

	// StripModelPrefix drops "provider/" before sending the model name.
	StripModelPrefix bool

	ModelOverrides []ModelOverride

	// SupportsPromptCaching enables cache_control blocks on requests.
	SupportsPromptCaching bool
}

// Label returns the display name, defaulting to Title-cased Name.
func (s ProviderSpec) Label() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return strings.ToUpper(s.Name[:1]) + s.Name[1:]
}

// Specs is the provider registry. Order is match priority.
var Specs = []ProviderSpec{
	{
		Name:        "custom",
		DisplayName: "Custom",
	},
	{
		Name:                  "openrouter",
		Keywords:              []string{"openrouter"},
		EnvKey:                "OPENROUTER_API_KEY",
		DisplayName:           "OpenRouter",
		RoutePrefix:           "openrouter",
		IsGateway:             true,
		DetectByKeyPrefix:     "sk-or-",
		DetectByBaseKeyword:   "openrouter",
		DefaultAPIBase:        "https://openrouter.ai/api/v1",
		SupportsPromptCaching: true,
	},
	{
		Name:                "aihubmix",
		Keywords:            []string{"aihubmix"},
		EnvKey:              "OPENAI_API_KEY",
		DisplayName:         "AiHubMix",
		RoutePrefix:         "openai",
		IsGateway:           true,
		DetectByBaseKeyword: "aihubmix",
		DefaultAPIBase:      "https://aihubmix.com/v1",
		StripModelPrefix:    true,
	},
	{
		Name:                "siliconflow",
		Keywords:            []string{"siliconflow"},
		EnvKey:              "OPENAI_API_KEY",
		DisplayName:         "SiliconFlow",
		RoutePrefix:         "openai",
		IsGateway:           true,
		DetectByBaseKeyword: "siliconflow",
		DefaultAPIBase:      "https://api.siliconflow.cn/v1",
	},
	{
		Name:                  "anthropic",
		Keywords:              []string{"anthropic", "claude"},
		EnvKey:                "ANTHROPIC_API_KEY",
		DisplayName:           "Anthropic",
		DefaultAPIBase:        "https://api.anthropic.com/v1",
		SupportsPromptCaching: true,
	},
	{
		Name:        "openai",
		Keywords:    []string{"openai", "gpt"},
		EnvKey:      "OPENAI_API_KEY",
		DisplayName: "OpenAI",
	},
	{
		Name:         "deepseek",
		Keywords:     []string{"deepseek"},
		EnvKey:       "DEEPSEEK_API_KEY",
		DisplayName:  "DeepSeek",
		RoutePrefix:  "deepseek",
		SkipPrefixes: []string{"deepseek/"},
	},
	{
		Name:         "gemini",
		Keywords:     []string{"gemini"},
		EnvKey:       "GEMINI_API_KEY",
		DisplayName:  "Gemini",
		RoutePrefix:  "gemini",
		SkipPrefixes: []string{"gemini/"},
	},
	{
		Name:         "zhipu",
		Keywords:     []string{"zhipu", "glm", "zai"},
		EnvKey:       "ZAI_API_KEY",
		DisplayName:  "Zhipu AI",
		RoutePrefix:  "zai",
		SkipPrefixes: []string{"zhipu/", "zai/", "openrouter/", "hosted_vllm/"},
	},
	{
		Name:         "dashscope",
		Keywords:     []string{"qwen", "dashscope"},
		EnvKey:       "DASHSCOPE_API_KEY",
		DisplayName:  "DashScope",
		RoutePrefix:  "dashscope",
		SkipPrefixes: []string{"dashscope/", "openrouter/"},
	},
	{
		Name:           "moonshot",
		Keywords:       []string{"moonshot", "kimi"},
		EnvKey:         "MOONSHOT_API_KEY",
		DisplayName:    "Moonshot",
		RoutePrefix:    "moonshot",
		SkipPrefixes:   []string{"moonshot/", "openrouter/"},
		DefaultAPIBase: "https://api.moonshot.ai/v1",
		ModelOverrides: []ModelOverride{
			{Pattern: "kimi-k2.5", Overrides: map[string]any{"temperature": 1.0}},
		},
	},
	{
		Name:           "minimax",
		Keywords:       []string{"minimax"},
		EnvKey:         "MINIMAX_API_KEY",
		DisplayName:    "MiniMax",
		RoutePrefix:    "minimax",
		SkipPrefixes:   []string{"minimax/", "openrouter/"},
		DefaultAPIBase: "https://api.minimax.io/v1",
	},
	{
		Name:        "vllm",
		Keywords:    []string{"vllm"},
		EnvKey:      "HOSTED_VLLM_API_KEY",
		DisplayName: "vLLM/Local",
		RoutePrefix: "hosted_vllm",
		IsLocal:     true,
	},
	{
		Name:         "groq",
		Keywords:     []string{"groq"},
		EnvKey:       "GROQ_API_KEY",
		DisplayName:  "Groq",
		RoutePrefix:  "groq",
		SkipPrefixes: []string{"groq/"},
	},
}

// FindByModel matches a standard provider by model-name keyword
// (case-insensitive). Gateways and local providers are skipped; those are
// detected from api_key / api_base instead.
func FindByModel(model string) *ProviderSpec {
	modelLower := strings.ToLower(model)
	modelNorm := strings.ReplaceAll(modelLower, "-", "_")
	modelPrefix, _, _ := strings.Cut(modelLower, "/")
	normalizedPrefix := strings.ReplaceAll(modelPrefix, "-", "_")

	var std []int
	for i := range Specs {
		if !Specs[i].IsGateway && !Specs[i].IsLocal {
			std = append(std, i)
		}
	}

	// Explicit provider prefix wins.
	for _, i := range std {
		spec := &Specs[i]
		if modelPrefix != "" && normalizedPrefix == spec.Name {
			return spec
		}
	}

	for _, i := range std {
		spec := &Specs[i]
		for _, kw := range spec.Keywords {
			kw = strings.ToLower(kw)
			kwNorm := strings.ReplaceAll(kw, "-", "_")
			if strings.Contains(modelLower, kw) || strings.Contains(modelNorm, kwNorm) {
				return spec
			}
		}
	}
	return nil
}

// FindGateway detects the gateway or local provider.
// Priority: explicit provider name, then api_key prefix, then api_base keyword.
func FindGateway(providerName, apiKey, apiBase string) *ProviderSpec {
	if providerName != "" {
		if s := FindByName(providerName); s != nil && (s.IsGateway || s.IsLocal) {
			return s
		}
	}
	for i := range Specs {
		spec := &Specs[i]
		if spec.DetectByKeyPrefix != "" && strings.HasPrefix(apiKey, spec.DetectByKeyPrefix) {
			return spec
		}
		if spec.DetectByBaseKeyword != "" && strings.Contains(apiBase, spec.DetectByBaseKeyword) {
			return spec
		}
	}
	return nil
}

// FindByName returns the spec whose Name equals name, or nil.
func FindByName(name string) *ProviderSpec {
	for i := range Specs {
		if Specs[i].Name == name {
			return &Specs[i]
		}
	}
	return nil
}
