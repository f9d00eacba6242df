package service

import "fmt"

func stringArg(args Args, name string) (string, error) {
	v, ok := args[name]
	if !ok {
		return "", fmt.Errorf("%w: missing %q", ErrInvalidArgs, name)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %q must be a string", ErrInvalidArgs, name)
	}
	return s, nil
}

func optionalString(args Args, name, def string) (string, error) {
	if _, ok := args[name]; !ok {
		return def, nil
	}
	return stringArg(args, name)
}

func listArg(args Args, name string) ([]any, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %q must be a list", ErrInvalidArgs, name)
	}
	return list, nil
}

func mapArg(args Args, name string) (map[string]any, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return map[string]any{}, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %q must be an object", ErrInvalidArgs, name)
	}
	return m, nil
}

func numberArg(args Args, name string, def float64) (float64, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("%w: %q must be a number", ErrInvalidArgs, name)
	}
}
