package scan

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// The strategy dialect is treated as an opaque string contract: the
// transform rewrites directives it recognizes and passes everything
// else through untouched.

// IncludeResolver loads the text of an included sub-definition by name.
type IncludeResolver func(name string) (string, error)

// TransformOptions control how a raw strategy definition becomes an
// evaluable scan formula.
type TransformOptions struct {
	// Include resolves #include_once directives; nil leaves them in place.
	Include IncludeResolver
	// Params overrides parameter defaults by label; missing entries
	// resolve to the parameter's declared default.
	Params map[string]float64
	// Lookback restricts evaluation to the most recent K bars.
	Lookback int
	// Symbol restricts output to the target instrument.
	Symbol string
}

// Transform rewrites a strategy definition into a self-contained scan
// formula: includes inlined, empty-value guards resolved, parameters
// fixed to concrete values, simulation-only directives stripped, and a
// tabulation block appended for the most recent Lookback bars of the
// target symbol.
func Transform(src string, opts TransformOptions) (string, error) {
	out := src
	if opts.Include != nil {
		expanded, err := ExpandIncludes(out, opts.Include)
		if err != nil {
			return "", errors.Wrap(err, "expand includes")
		}
		out = expanded
	}
	out = ProcessEmptyGuards(out)
	out = ResolveParams(out, opts.Params)
	out = StripDirectives(out)
	out += BuildScanBlock(opts.Lookback, opts.Symbol, DetectIndicators(out))
	return out, nil
}

var includeRe = regexp.MustCompile(`(?m)^\s*#include_once\s+"([^"]+)"\s*$`)

// ExpandIncludes inlines #include_once directives so the formula is
// self-contained. Each file is inlined at most once; nested includes
// are expanded recursively.
func ExpandIncludes(src string, resolve IncludeResolver) (string, error) {
	seen := make(map[string]struct{})
	return expandIncludes(src, resolve, seen)
}

func expandIncludes(src string, resolve IncludeResolver, seen map[string]struct{}) (string, error) {
	var firstErr error
	out := includeRe.ReplaceAllStringFunc(src, func(directive string) string {
		if firstErr != nil {
			return directive
		}
		name := includeRe.FindStringSubmatch(directive)[1]
		if _, ok := seen[name]; ok {
			return fmt.Sprintf("// (already included: %s)", name)
		}
		seen[name] = struct{}{}

		text, err := resolve(name)
		if err != nil {
			logs.Warnf("include not resolved: %s, err: %+v", name, err)
			return directive
		}
		nested, err := expandIncludes(text, resolve, seen)
		if err != nil {
			firstErr = err
			return directive
		}
		return fmt.Sprintf("// ---- inlined from %s ----\n%s\n// ---- end %s ----", name, nested, name)
	})
	return out, firstErr
}

var (
	paramRe    = regexp.MustCompile(`(?i)Param\s*\(\s*"([^"]+)"\s*,\s*([\d.eE+-]+)\s*(?:,\s*[\d.eE+-]+\s*)*\)`)
	optimizeRe = regexp.MustCompile(`(?i)Optimize\s*\(\s*"([^"]+)"\s*,\s*([\d.eE+-]+)\s*(?:,\s*[\d.eE+-]+\s*)*\)`)
)

// ResolveParams replaces Param()/Optimize() calls with concrete values:
// the override by label when provided, the declared default otherwise.
func ResolveParams(src string, overrides map[string]float64) string {
	replace := func(re *regexp.Regexp, call string) string {
		m := re.FindStringSubmatch(call)
		label, def := m[1], m[2]
		if val, ok := overrides[label]; ok {
			return formatValue(val)
		}
		return def
	}
	out := paramRe.ReplaceAllStringFunc(src, func(call string) string { return replace(paramRe, call) })
	out = optimizeRe.ReplaceAllStringFunc(out, func(call string) string { return replace(optimizeRe, call) })
	return out
}

func formatValue(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

var (
	emptyGuardRe = regexp.MustCompile(`(?i)^\s*if\s*\(\s*IsEmpty\s*\(\s*(\w+)\s*\)\s*\)`)
	assignRe     = regexp.MustCompile(`^(\w+)\s*=\s*[^=]`)
	guardParamRe = regexp.MustCompile(`(?i)^(\w+)\s*=\s*Param\s*\(\s*"[^"]*"\s*,\s*([\d.eE+-]+)`)
)

// ProcessEmptyGuards removes `if (IsEmpty(var)) { ... }` default blocks:
// when the variable was already assigned earlier the whole guard is
// dropped, otherwise the body becomes unconditional default
// assignments. The guards misbehave inside timeframe-restricted
// evaluation, so they cannot survive into the scan formula.
func ProcessEmptyGuards(src string) string {
	lines := strings.Split(src, "\n")
	result := make([]string, 0, len(lines))
	assigned := make(map[string]struct{})

	for i := 0; i < len(lines); {
		line := lines[i]
		trimmed := strings.TrimSpace(line)

		if trimmed != "" && !strings.HasPrefix(trimmed, "//") {
			if m := assignRe.FindStringSubmatch(trimmed); m != nil && strings.Contains(trimmed, ";") {
				assigned[m[1]] = struct{}{}
			}
		}

		m := emptyGuardRe.FindStringSubmatch(line)
		if m == nil {
			result = append(result, line)
			i++
			continue
		}
		variable := m[1]

		body, next := collectGuardBody(lines, i, len(m[0]))
		i = next

		if _, ok := assigned[variable]; ok {
			continue
		}
		for _, bodyLine := range body {
			bodyLine = strings.TrimSpace(bodyLine)
			if bodyLine == "" {
				continue
			}
			if pm := guardParamRe.FindStringSubmatch(bodyLine); pm != nil {
				result = append(result, fmt.Sprintf("%s = %s;", pm[1], pm[2]))
				assigned[pm[1]] = struct{}{}
				continue
			}
			result = append(result, bodyLine)
			if am := assignRe.FindStringSubmatch(bodyLine); am != nil {
				assigned[am[1]] = struct{}{}
			}
		}
	}
	return strings.Join(result, "\n")
}

// collectGuardBody gathers the lines between the guard's braces and
// returns them with the index of the first line after the block.
func collectGuardBody(lines []string, start, matchLen int) (body []string, next int) {
	i := start
	depth := 0
	if strings.Contains(lines[i][matchLen:], "{") {
		depth = 1
		i++
	} else {
		i++
		for i < len(lines) {
			if strings.Contains(lines[i], "{") {
				depth = 1
				i++
				break
			}
			i++
		}
	}
	for i < len(lines) && depth > 0 {
		cur := lines[i]
		if strings.Contains(cur, "}") {
			depth--
			if depth <= 0 {
				i++
				break
			}
		}
		if strings.Contains(cur, "{") {
			depth++
		}
		body = append(body, cur)
		i++
	}
	return body, i
}

var directiveRe = regexp.MustCompile(`(?i)^\s*(ApplyStop|SetPositionSize|SetTradeDelays|Plot\s*\(|PlotShapes|PlotOHLC|Title\s*=)`)

// StripDirectives removes statements that only make sense in a
// simulated backtest or chart: stops, position sizing, trade delays,
// plotting, titles. Multi-line statements are skipped through their
// terminating semicolon.
func StripDirectives(src string) string {
	lines := strings.Split(src, "\n")
	filtered := make([]string, 0, len(lines))
	skipping := false
	for _, line := range lines {
		if skipping {
			if strings.Contains(line, ";") {
				skipping = false
			}
			continue
		}
		if directiveRe.MatchString(strings.TrimSpace(line)) {
			if !strings.Contains(line, ";") {
				skipping = true
			}
			continue
		}
		filtered = append(filtered, line)
	}
	return strings.Join(filtered, "\n")
}

// indicatorFuncs lists primitives whose assignments are worth
// tabulating for the live indicator display.
var indicatorFuncs = []string{
	"MA", "EMA", "WMA", "DEMA", "TEMA", "KAMA",
	"RSI", "RSIa",
	"MACD", "Signal",
	"ATR", "ATRa",
	"BBandTop", "BBandBot", "BBandMid",
	"StochK", "StochD",
	"CCI", "ADX", "PDI", "MDI",
	"MFI", "OBV", "ROC", "MOM",
	"SAR", "VWAP",
	"LinRegSlope", "LinearReg",
	"HHV", "LLV",
	"Wilders", "StDev",
}

var skipVars = map[string]struct{}{
	"buy": {}, "sell": {}, "short": {}, "cover": {},
	"buyprice": {}, "sellprice": {}, "shortprice": {}, "coverprice": {},
	"filter": {}, "i": {}, "j": {}, "n": {}, "result": {},
}

var indicatorAssignRe = regexp.MustCompile(
	`(?m)^\s*(\w+)\s*=\s*(?:` + strings.Join(indicatorFuncs, "|") + `)\s*\(`)

// DetectIndicators finds variables assigned from known indicator
// primitives, in order of first appearance.
func DetectIndicators(src string) []string {
	var detected []string
	seen := make(map[string]struct{})
	for _, m := range indicatorAssignRe.FindAllStringSubmatch(src, -1) {
		name := m[1]
		if _, ok := skipVars[strings.ToLower(name)]; ok {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		detected = append(detected, name)
	}
	return detected
}

// indicatorPrefix marks tabulated indicator columns so the result
// parser can separate them from the standard ones.
const indicatorPrefix = "ind_"

// BuildScanBlock renders the tabulation block appended to the
// transformed formula: the filter restricting evaluation to the most
// recent lookback bars of the target symbol (plus the latest bar, so
// indicator values are always available), and one output column per
// condition, price field and detected indicator.
func BuildScanBlock(lookback int, symbol string, indicators []string) string {
	if lookback <= 0 {
		lookback = 5
	}
	var b strings.Builder
	b.WriteString("\n\n// ==== LIVE SIGNAL SCAN ====\n")
	fmt.Fprintf(&b, "_recentBars = BarIndex() >= (BarCount - %d);\n", lookback)
	b.WriteString("_isLatestBar = BarIndex() == BarCount - 1;\n")
	fmt.Fprintf(&b, "Filter = (((Buy OR Sell OR Short OR Cover) AND _recentBars) OR _isLatestBar) AND Name() == %q;\n", symbol)
	b.WriteString(`AddColumn(Buy, "Buy", 1.0);
AddColumn(Sell, "Sell", 1.0);
AddColumn(Short, "Short", 1.0);
AddColumn(Cover, "Cover", 1.0);
AddColumn(Close, "Close", 1.4);
AddColumn(Open, "Open", 1.4);
AddColumn(High, "High", 1.4);
AddColumn(Low, "Low", 1.4);
AddColumn(Volume, "Volume", 1.0);
`)
	for _, name := range indicators {
		fmt.Fprintf(&b, "AddColumn(%s, %q, 1.4);\n", name, indicatorPrefix+name)
	}
	b.WriteString("// ==== END LIVE SIGNAL SCAN ====\n")
	return b.String()
}
