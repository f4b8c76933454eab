package render

import (
	"fmt"
	"strings"
	"time"
)

// helpers is the fixed built-in function table the restricted interpolation
// language exposes to templates: currency/date formatting, string shaping,
// arithmetic, and equality. Templates cannot define or call anything outside
// this table.
var helpers = map[string]func(args []any) (any, error){
	"currency":   helperCurrency,
	"date":       helperDate,
	"truncate":   helperTruncate,
	"capitalize": helperCapitalize,
	"add":        helperArith(func(a, b float64) float64 { return a + b }),
	"sub":        helperArith(func(a, b float64) float64 { return a - b }),
	"mul":        helperArith(func(a, b float64) float64 { return a * b }),
	"div":        helperArith(func(a, b float64) float64 { return a / b }),
	"eq":         helperEq,
	"gt":         helperCompare(func(a, b float64) bool { return a > b }),
	"lt":         helperCompare(func(a, b float64) bool { return a < b }),
}

func callHelper(name string, args []arg, vars map[string]any) (any, error) {
	fn, ok := helpers[name]
	if !ok {
		return nil, fmt.Errorf("unknown helper %q", name)
	}
	resolved := make([]any, len(args))
	for i, a := range args {
		resolved[i] = a.resolve(vars)
	}
	return fn(resolved)
}

var currencySymbols = map[string]string{"USD": "$", "EUR": "€", "GBP": "£"}

func helperCurrency(args []any) (any, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("currency requires (amount, code)")
	}
	amount := toFloat(args[0])
	code := fmt.Sprintf("%v", args[1])
	symbol, ok := currencySymbols[strings.ToUpper(code)]
	if !ok {
		return fmt.Sprintf("%.2f %s", amount, strings.ToUpper(code)), nil
	}
	return fmt.Sprintf("%s%.2f", symbol, amount), nil
}

func helperDate(args []any) (any, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("date requires (value, layout)")
	}
	raw := fmt.Sprintf("%v", args[0])
	layout := goLayout(fmt.Sprintf("%v", args[1]))

	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		t, err = time.Parse("2006-01-02", raw)
		if err != nil {
			return "", nil
		}
	}
	return t.Format(layout), nil
}

// goLayout maps a handful of common token names onto Go's reference-time
// layout so template authors don't need to know Go's "Jan 2, 2006" idiom.
func goLayout(tokens string) string {
	switch tokens {
	case "short":
		return "1/2/2006"
	case "long":
		return "January 2, 2006"
	case "time":
		return "3:04 PM"
	default:
		return tokens
	}
}

func helperTruncate(args []any) (any, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("truncate requires (string, length)")
	}
	s := fmt.Sprintf("%v", args[0])
	n := int(toFloat(args[1]))
	if n < 0 || n >= len(s) {
		return s, nil
	}
	return s[:n] + "…", nil
}

func helperCapitalize(args []any) (any, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("capitalize requires (string)")
	}
	s := fmt.Sprintf("%v", args[0])
	if s == "" {
		return s, nil
	}
	return strings.ToUpper(s[:1]) + s[1:], nil
}

func helperArith(op func(a, b float64) float64) func([]any) (any, error) {
	return func(args []any) (any, error) {
		if len(args) < 2 {
			return nil, fmt.Errorf("arithmetic helper requires two numeric arguments")
		}
		return op(toFloat(args[0]), toFloat(args[1])), nil
	}
}

func helperCompare(op func(a, b float64) bool) func([]any) (any, error) {
	return func(args []any) (any, error) {
		if len(args) < 2 {
			return nil, fmt.Errorf("comparison helper requires two arguments")
		}
		return op(toFloat(args[0]), toFloat(args[1])), nil
	}
}

func helperEq(args []any) (any, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("eq requires two arguments")
	}
	return fmt.Sprintf("%v", args[0]) == fmt.Sprintf("%v", args[1]), nil
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case string:
		var f float64
		_, _ = fmt.Sscanf(t, "%f", &f)
		return f
	default:
		return 0
	}
}
