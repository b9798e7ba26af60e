// Package safety classifies a generated command's risk by matching it
// against a compiled pattern table and resolves that classification into a
// verdict (allow, confirm, or block) against configurable thresholds.
package safety

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/alantheprice/caro/internal/model"
)

// Options configures a new Engine. ConfirmAt and BlockAt are the risk
// levels at or above which a command requires confirmation, or is refused
// outright. Level, AllowPatterns, CustomPatterns, and AllowDangerous mirror
// the safety.* config keys.
type Options struct {
	ConfirmAt      model.RiskLevel
	BlockAt        model.RiskLevel
	Level          string // strict|moderate|permissive
	AllowPatterns  []string
	CustomPatterns []model.Pattern
	AllowDangerous bool
}

// Engine evaluates GeneratedCommands against the pattern table.
type Engine struct {
	confirmAt      model.RiskLevel
	blockAt        model.RiskLevel
	level          string
	allowDangerous bool
	allowPatterns  []*regexp.Regexp
	buckets        [model.NumShellKinds][]compiledPattern
}

// New builds an Engine whose thresholds are the risk levels at or above
// which a command requires confirmation, or is refused outright. It is
// kept for the simple two-threshold case; NewWithOptions exposes the full
// safety.* configuration surface.
func New(confirmAt, blockAt model.RiskLevel) *Engine {
	e, err := NewWithOptions(Options{ConfirmAt: confirmAt, BlockAt: blockAt})
	if err != nil {
		// patternTable and an empty custom/allow set always compile; a
		// failure here would be a programming error in the builtin table.
		panic(err)
	}
	return e
}

// NewWithOptions builds an Engine from the full Options set, compiling any
// custom_patterns and allow_patterns supplied by config.
func NewWithOptions(opts Options) (*Engine, error) {
	buckets, err := buildBuckets(opts.CustomPatterns)
	if err != nil {
		return nil, err
	}
	allow := make([]*regexp.Regexp, 0, len(opts.AllowPatterns))
	for _, pat := range opts.AllowPatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("compile allow_pattern %q: %w", pat, err)
		}
		allow = append(allow, re)
	}
	level := strings.ToLower(strings.TrimSpace(opts.Level))
	if level == "" {
		level = "moderate"
	}
	return &Engine{
		confirmAt:      opts.ConfirmAt,
		blockAt:        opts.BlockAt,
		level:          level,
		allowDangerous: opts.AllowDangerous,
		allowPatterns:  allow,
		buckets:        buckets,
	}, nil
}

// ParseRiskLevel maps a config word to a model.RiskLevel.
func ParseRiskLevel(s string) (model.RiskLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "safe":
		return model.RiskSafe, nil
	case "moderate":
		return model.RiskModerate, nil
	case "high":
		return model.RiskHigh, nil
	case "critical":
		return model.RiskCritical, nil
	default:
		return model.RiskSafe, fmt.Errorf("unrecognized risk level %q", s)
	}
}

// privilegeElevationRE matches a command that begins by escalating
// privileges, per the safety engine's step-5 additive modifier.
var privilegeElevationRE = regexp.MustCompile(`^\s*(sudo|doas|su)\b`)

// rootPathRE matches a reference to a root-owned system path as a whole
// path token, not merely as a substring (so "/etc2" or "/usr/local/mine"
// inside a longer user path doesn't spuriously trip it... it still will,
// conservatively, since these paths are prefixes of anything underneath).
var rootPathRE = regexp.MustCompile(`(^|[\s;|&"'=])(/etc|/usr|/bin|/sbin)(/\S*)?(\s|$|["'])|(^|[\s;|&"'=])/(\s|$)`)

// normalize collapses whitespace runs and strips trailing `;` sequences
// before pattern matching, per the safety engine's step-1 normalization.
func normalize(cmdText string) string {
	s := strings.Join(strings.Fields(cmdText), " ")
	s = strings.TrimRight(s, "; \t")
	return s
}

func bump(r model.RiskLevel) model.RiskLevel {
	if r < model.RiskCritical {
		return r + 1
	}
	return r
}

func demote(r model.RiskLevel) model.RiskLevel {
	if r > model.RiskSafe {
		return r - 1
	}
	return r
}

// Evaluate scans cmd's text against the pattern bucket for shell, applies
// the additive risk modifiers and allowlist demotion, and resolves the
// result into a SafetyVerdict.
func (e *Engine) Evaluate(cmdText string, shell model.ShellKind) model.SafetyVerdict {
	var factors []model.RiskFactor
	nondemotable := false
	risk := model.RiskSafe

	// Steps 1-2: normalize, then reject NUL bytes outright as Critical.
	if strings.ContainsRune(cmdText, 0) {
		factors = append(factors, model.RiskFactor{
			PatternID: "nul-byte",
			Severity:  model.RiskCritical,
			Rationale: "command contains a NUL byte and cannot be executed safely",
		})
		risk = model.RiskCritical
		nondemotable = true
	}
	normalized := normalize(cmdText)

	// Step 3-4: scan the relevant bucket, collecting every match; base_risk
	// is the max severity among them.
	if int(shell) >= 0 && int(shell) < len(e.buckets) {
		for _, cp := range e.buckets[shell] {
			if cp.re.MatchString(normalized) {
				factors = append(factors, model.RiskFactor{
					PatternID: cp.Name,
					Severity:  cp.Risk,
					Rationale: cp.Description,
				})
				if cp.Risk > risk {
					risk = cp.Risk
				}
				if cp.Nondemotable {
					nondemotable = true
				}
			}
		}
	}

	// Step 5: additive modifiers.
	if privilegeElevationRE.MatchString(normalized) && risk < model.RiskCritical {
		risk = bump(risk)
	}
	if risk >= model.RiskModerate && rootPathRE.MatchString(normalized) {
		risk = bump(risk)
	}

	// Step 6: allowlist demotion, unless a nondemotable pattern matched.
	if !nondemotable {
		for _, re := range e.allowPatterns {
			if re.MatchString(normalized) {
				risk = demote(risk)
				break
			}
		}
	}

	verdict := model.SafetyVerdict{Risk: risk, Factors: factors}

	// Step 7: resolve to a verdict.
	switch {
	case risk >= model.RiskCritical:
		if e.allowDangerous {
			verdict.ShouldConfirm = true
		} else {
			verdict.ShouldBlock = true
		}
	case risk >= e.blockAt && !e.allowDangerous:
		verdict.ShouldBlock = true
	case risk >= e.confirmAt:
		verdict.ShouldConfirm = true
	case risk == model.RiskModerate && e.level == "strict":
		verdict.ShouldConfirm = true
	}

	verdict.Reasoning = reasoningFor(verdict)
	return verdict
}

func reasoningFor(v model.SafetyVerdict) string {
	if len(v.Factors) == 0 {
		return "no known risk patterns matched"
	}
	reasons := make([]string, len(v.Factors))
	for i, f := range v.Factors {
		reasons[i] = fmt.Sprintf("%s: %s", f.PatternID, f.Rationale)
	}
	switch {
	case v.ShouldBlock:
		return "blocked: " + strings.Join(reasons, "; ")
	case v.ShouldConfirm:
		return "requires confirmation: " + strings.Join(reasons, "; ")
	default:
		return "allowed: " + strings.Join(reasons, "; ")
	}
}
