package command

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/manaflow-ai/tabrelay/internal/relayerr"
)

// Separator splits a wire command into name and arguments.
const Separator = "|"

// positional maps the raw remainder and its segments onto named params for
// commands that are not given an explicit JSON object.
type positional func(rest string, segs []string) (Params, error)

var positionalSchemas = map[string]positional{
	"navigate":               rawInto("url"),
	"find_element_by_xpath":  rawInto("xpath"),
	"find_elements_by_xpath": rawInto("xpath"),
	"find_element":           rawInto("selector"),
	"click_element":          rawInto("selector"),
	"clear_element":          rawInto("selector"),
	"submit_form":            rawInto("selector"),
	"is_element_displayed":   rawInto("selector"),
	"is_element_enabled":     rawInto("selector"),
	"is_element_selected":    rawInto("selector"),
	"get_element_text":       rawInto("selector"),
	"send_keys":              exactly("selector", "value"),
	"get_element_attribute":  exactly("selector", "attribute"),
	"get_element_css_value":  exactly("selector", "property_name"),
	"clear_storage":          rawInto("scope"),
	"toggle_network_monitor": rawInto("value"),
}

func rawInto(key string) positional {
	return func(rest string, _ []string) (Params, error) {
		return Params{key: rest}, nil
	}
}

func exactly(keys ...string) positional {
	return func(_ string, segs []string) (Params, error) {
		if len(segs) != len(keys) {
			return nil, relayerr.New(relayerr.InvalidParams,
				"expected %d arguments (%s), got %d", len(keys), strings.Join(keys, ", "), len(segs))
		}
		p := make(Params, len(keys))
		for i, k := range keys {
			p[k] = segs[i]
		}
		return p, nil
	}
}

func generic(rest string, segs []string) (Params, error) {
	if len(segs) == 1 {
		return Params{"arg": rest}, nil
	}
	args := make([]any, len(segs))
	for i, s := range segs {
		args[i] = s
	}
	return Params{"args": args}, nil
}

// Parse turns a raw command into a Command. raw may be a wire string
// ("name|arg1|arg2") or a structured object {"name": ..., "params": {...}}.
func Parse(raw any) (Command, error) {
	switch v := raw.(type) {
	case string:
		return ParseWire(v)
	case map[string]any:
		return parseObject(v)
	case nil:
		return Command{}, relayerr.New(relayerr.MalformedCommand, "command is empty")
	default:
		return Command{}, relayerr.New(relayerr.MalformedCommand, "command must be a string, got %T", raw)
	}
}

// ParseWire parses the pipe-delimited wire format. A remainder that starts
// with "{" is decoded as a JSON object; every other remainder is mapped
// positionally.
func ParseWire(raw string) (Command, error) {
	if strings.TrimSpace(raw) == "" {
		return Command{}, relayerr.New(relayerr.MalformedCommand, "command is empty")
	}
	name, rest, hasArgs := strings.Cut(raw, Separator)
	name = Normalize(name)
	if name == "" {
		return Command{}, relayerr.New(relayerr.MalformedCommand, "command name is empty in %q", raw)
	}
	if !hasArgs || rest == "" {
		return Command{Name: name, Params: Params{}}, nil
	}

	if strings.HasPrefix(strings.TrimSpace(rest), "{") {
		var p Params
		if err := json.Unmarshal([]byte(rest), &p); err != nil {
			return Command{}, relayerr.Wrap(relayerr.MalformedCommand, err, "invalid JSON params for %s", name)
		}
		if p == nil {
			p = Params{}
		}
		return Command{Name: name, Params: p}, nil
	}

	segs := strings.Split(rest, Separator)
	mapper, ok := positionalSchemas[name]
	if !ok {
		mapper = generic
	}
	params, err := mapper(rest, segs)
	if err != nil {
		return Command{}, fmt.Errorf("%s: %w", name, err)
	}
	return Command{Name: name, Params: params}, nil
}

func parseObject(m map[string]any) (Command, error) {
	name, _ := m["name"].(string)
	if name == "" {
		name, _ = m["command"].(string)
	}
	if name == "" {
		if script, ok := m["script"].(string); ok {
			cmd, err := ParseWire(script)
			if err != nil {
				return Command{}, err
			}
			cmd.ID, _ = m["command_id"].(string)
			return cmd, nil
		}
		return Command{}, relayerr.New(relayerr.MalformedCommand, "structured command has no name")
	}
	params := Params{}
	switch p := m["params"].(type) {
	case map[string]any:
		for k, v := range p {
			params[k] = v
		}
	case nil:
	default:
		return Command{}, relayerr.New(relayerr.MalformedCommand, "params must be an object, got %T", p)
	}
	id, _ := m["command_id"].(string)
	return Command{Name: Normalize(name), Params: params, ID: id}, nil
}
