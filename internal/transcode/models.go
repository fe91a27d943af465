package transcode

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Default per-upstream model tables. Exact (case-sensitive) entries first;
// unmatched names fall back to a case-insensitive family-substring match.
var defaultLegacyModels = map[string]string{
	"claude-opus-4-5":            "claude-opus-4.5",
	"claude-opus-4-5-20251101":   "claude-opus-4.5",
	"claude-sonnet-4-5":          "claude-4.5",
	"claude-sonnet-4-5-20250929": "claude-4.5",
	"claude-haiku-4-5":           "claude-haiku-4.5",
	"claude-haiku-4-5-20251001":  "claude-haiku-4.5",
}

var defaultNativeModels = map[string]string{
	"claude-opus-4-5":            "claude-4.5-opus",
	"claude-opus-4-5-20251101":   "claude-4.5-opus",
	"claude-sonnet-4-5":          "claude-4.5-sonnet",
	"claude-sonnet-4-5-20250929": "claude-4.5-sonnet",
	"claude-haiku-4-5":           "claude-4.5-sonnet",
	"claude-haiku-4-5-20251001":  "claude-4.5-sonnet",
}

// Family fallbacks, matched as case-insensitive substrings.
var defaultLegacyFamilies = map[string]string{
	"opus":   "claude-opus-4.5",
	"sonnet": "claude-4.5",
	"haiku":  "claude-haiku-4.5",
}

var defaultNativeFamilies = map[string]string{
	"opus":   "claude-4.5-opus",
	"sonnet": "claude-4.5-sonnet",
	"haiku":  "claude-4.5-sonnet",
}

// DefaultContextWindow applies to models with no table entry.
const DefaultContextWindow = 200000

var defaultContextWindows = map[string]int{
	"claude-opus-4.5":   200000,
	"claude-4.5":        200000,
	"claude-haiku-4.5":  200000,
	"claude-4.5-opus":   200000,
	"claude-4.5-sonnet": 200000,
}

// ModelMapper resolves caller model names to upstream canonical names and
// tracks per-model context windows.
type ModelMapper struct {
	exact    map[string]string
	families map[string]string
	windows  map[string]int
}

// NewLegacyModelMapper returns the mapper for the legacy upstream.
func NewLegacyModelMapper() *ModelMapper {
	return &ModelMapper{
		exact:    cloneMap(defaultLegacyModels),
		families: cloneMap(defaultLegacyFamilies),
		windows:  cloneIntMap(defaultContextWindows),
	}
}

// NewNativeModelMapper returns the mapper for the native upstream.
func NewNativeModelMapper() *ModelMapper {
	return &ModelMapper{
		exact:    cloneMap(defaultNativeModels),
		families: cloneMap(defaultNativeFamilies),
		windows:  cloneIntMap(defaultContextWindows),
	}
}

// Map resolves a caller-supplied model name. Exact table first, then the
// family fallback; unknown names pass through unchanged.
func (m *ModelMapper) Map(model string) string {
	if mapped, ok := m.exact[model]; ok {
		return mapped
	}
	lower := strings.ToLower(model)
	for family, mapped := range m.families {
		if strings.Contains(lower, family) {
			return mapped
		}
	}
	return model
}

// ContextWindow returns the model's context window in tokens.
func (m *ModelMapper) ContextWindow(model string) int {
	if w, ok := m.windows[model]; ok {
		return w
	}
	return DefaultContextWindow
}

// overrideFile is the models.yaml shape.
type overrideFile struct {
	Legacy struct {
		Models   map[string]string `yaml:"models"`
		Families map[string]string `yaml:"families"`
	} `yaml:"legacy"`
	Native struct {
		Models   map[string]string `yaml:"models"`
		Families map[string]string `yaml:"families"`
	} `yaml:"native"`
	ContextWindows map[string]int `yaml:"context_windows"`
}

// LoadModelOverrides merges a models.yaml file into both mappers. A missing
// file is a no-op.
func LoadModelOverrides(path string, legacy, native *ModelMapper) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cannot read model overrides: %w", err)
	}

	var of overrideFile
	if err := yaml.Unmarshal(data, &of); err != nil {
		return fmt.Errorf("cannot parse model overrides %s: %w", path, err)
	}

	mergeMap(legacy.exact, of.Legacy.Models)
	mergeMap(legacy.families, of.Legacy.Families)
	mergeMap(native.exact, of.Native.Models)
	mergeMap(native.families, of.Native.Families)
	for k, v := range of.ContextWindows {
		legacy.windows[k] = v
		native.windows[k] = v
	}
	return nil
}

// NewToolCallID generates a fresh `toolu_` id with 24 hex digits.
func NewToolCallID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "toolu_" + hex[:24]
}

// NewMessageID generates a fresh Anthropic message id.
func NewMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func cloneMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneIntMap(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func mergeMap(dst, src map[string]string) {
	for k, v := range src {
		dst[k] = v
	}
}
