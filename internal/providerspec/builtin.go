package providerspec

const LocalProviderKey = "ollama"

var builtinSpecs = map[string]Spec{
	"openai": {
		Key:     "openai",
		Aliases: []string{"gpt", "codex"},
		API: &APISpec{
			Protocol:         ProtocolOpenAIResponses,
			DefaultBaseURL:   "https://api.openai.com",
			DefaultPath:      "/v1/responses",
			DefaultAPIKeyEnv: "OPENAI_API_KEY",
			SettingsKey:      "openai_api_key",
		},
		CLI: &CLISpec{
			DefaultExecutable:  "codex",
			PathEnv:            "HELIXMIX_CODEX_PATH",
			InvocationTemplate: []string{"exec", "--model", "{{model}}"},
			PromptMode:         "arg",
			VersionArgs:        []string{"--version"},
			InstallHint:        "npm install -g @openai/codex && codex login",
		},
		ModelPrefixes: []string{"gpt-", "o1", "o3", "o4", "codex", "chatgpt-"},
	},
	"anthropic": {
		Key:     "anthropic",
		Aliases: []string{"claude"},
		API: &APISpec{
			Protocol:         ProtocolAnthropicMessages,
			DefaultBaseURL:   "https://api.anthropic.com",
			DefaultPath:      "/v1/messages",
			DefaultAPIKeyEnv: "ANTHROPIC_API_KEY",
			SettingsKey:      "anthropic_api_key",
		},
		CLI: &CLISpec{
			DefaultExecutable:  "claude",
			PathEnv:            "HELIXMIX_CLAUDE_PATH",
			InvocationTemplate: []string{"-p", "--dangerously-skip-permissions", "--output-format", "json", "--model", "{{model}}"},
			PromptMode:         "stdin",
			VersionArgs:        []string{"--version"},
			InstallHint:        "npm install -g @anthropic-ai/claude-code && claude login",
		},
		ModelPrefixes: []string{"claude-"},
	},
	"google": {
		Key:     "google",
		Aliases: []string{"gemini", "google_ai_studio"},
		API: &APISpec{
			Protocol:         ProtocolGoogleGenerateContent,
			DefaultBaseURL:   "https://generativelanguage.googleapis.com",
			DefaultAPIKeyEnv: "GOOGLE_API_KEY",
			AltAPIKeyEnvs:    []string{"GEMINI_API_KEY"},
			SettingsKey:      "google_api_key",
		},
		ModelPrefixes: []string{"gemini-"},
	},
	LocalProviderKey: {
		Key:     LocalProviderKey,
		Aliases: []string{"local", "ollama_local"},
		API: &APISpec{
			Protocol:       ProtocolLocalGenerate,
			DefaultBaseURL: "http://localhost:11434/api",
			DefaultPath:    "/generate",
		},
		Local: true,
	},
}

func Builtin(key string) (Spec, bool) {
	s, ok := builtinSpecs[CanonicalProviderKey(key)]
	if !ok {
		return Spec{}, false
	}
	return cloneSpec(s), true
}

func Builtins() map[string]Spec {
	out := make(map[string]Spec, len(builtinSpecs))
	for key, spec := range builtinSpecs {
		out[key] = cloneSpec(spec)
	}
	return out
}

// CloudProviders lists the providers that can act as cloud reasoner, in a stable order.
func CloudProviders() []string {
	return []string{"anthropic", "openai", "google"}
}

func cloneSpec(in Spec) Spec {
	out := in
	if in.API != nil {
		api := *in.API
		api.AltAPIKeyEnvs = append([]string{}, in.API.AltAPIKeyEnvs...)
		out.API = &api
	}
	if in.CLI != nil {
		cli := *in.CLI
		cli.InvocationTemplate = append([]string{}, in.CLI.InvocationTemplate...)
		cli.VersionArgs = append([]string{}, in.CLI.VersionArgs...)
		out.CLI = &cli
	}
	out.Aliases = append([]string{}, in.Aliases...)
	out.ModelPrefixes = append([]string{}, in.ModelPrefixes...)
	return out
}
