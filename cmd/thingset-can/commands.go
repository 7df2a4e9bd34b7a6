package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/notnil/thingset/packet"
	"github.com/notnil/thingset/thingset"
)

const usage = `usage: thingset-can [flags] <command> [args]

commands:
  monitor [addr...]               print publications from subscribed nodes
  get     <addr> <id>             read an object
  post    <addr> <id> [json-args] call a function; args is a JSON array
  delete  <addr> <json>           delete data
  fetch   <addr> <path> <json>    read sub-objects; ids is a JSON array
  patch   <addr> <id> <json>      update fields; a JSON object

Addresses and ids accept decimal or 0x-prefixed hex. Ids that are not
numbers are sent as path strings. Numeric JSON object keys are sent as ids.
`

type command struct {
	name string
	dst  packet.Address
	id   any
	arg  any
	subs []packet.Address // monitor only
}

var errUsage = errors.New("invalid usage")

func parseCommand(args []string) (command, error) {
	if len(args) == 0 {
		return command{}, fmt.Errorf("%w: missing command", errUsage)
	}
	cmd := command{name: args[0]}
	rest := args[1:]

	if cmd.name == "monitor" {
		for _, s := range rest {
			addr, err := parseAddress(s)
			if err != nil {
				return command{}, err
			}
			cmd.subs = append(cmd.subs, addr)
		}
		return cmd, nil
	}

	want := map[string][2]int{ // min, max argument count
		"get":    {2, 2},
		"post":   {2, 3},
		"delete": {2, 2},
		"fetch":  {3, 3},
		"patch":  {3, 3},
	}
	bounds, ok := want[cmd.name]
	if !ok {
		return command{}, fmt.Errorf("%w: unknown command %q", errUsage, cmd.name)
	}
	if len(rest) < bounds[0] || len(rest) > bounds[1] {
		return command{}, fmt.Errorf("%w: %s takes %d..%d arguments, got %d", errUsage, cmd.name, bounds[0], bounds[1], len(rest))
	}
	dst, err := parseAddress(rest[0])
	if err != nil {
		return command{}, err
	}
	cmd.dst = dst

	switch cmd.name {
	case "get":
		cmd.id = parseID(rest[1])
	case "post":
		cmd.id = parseID(rest[1])
		if len(rest) == 3 {
			arr, err := parseArray(rest[2])
			if err != nil {
				return command{}, err
			}
			cmd.arg = arr
		}
	case "delete":
		v, err := parseJSON(rest[1])
		if err != nil {
			return command{}, err
		}
		cmd.arg = v
	case "fetch":
		cmd.id = parseID(rest[1])
		arr, err := parseArray(rest[2])
		if err != nil {
			return command{}, err
		}
		cmd.arg = arr
	case "patch":
		cmd.id = parseID(rest[1])
		v, err := parseJSON(rest[2])
		if err != nil {
			return command{}, err
		}
		fields, ok := v.(map[any]any)
		if !ok {
			return command{}, fmt.Errorf("%w: patch fields must be a JSON object", errUsage)
		}
		cmd.arg = fields
	}
	return cmd, nil
}

func parseAddress(s string) (packet.Address, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: address %q", errUsage, s)
	}
	return packet.ParseAddress(int(v))
}

// parseID returns a numeric id when s is a 16-bit number and the path string
// otherwise.
func parseID(s string) any {
	s = strings.TrimSpace(s)
	if v, err := strconv.ParseUint(s, 0, 16); err == nil {
		return v
	}
	return s
}

func parseArray(s string) ([]any, error) {
	v, err := parseJSON(s)
	if err != nil {
		return nil, err
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected a JSON array, got %s", errUsage, s)
	}
	return arr, nil
}

// parseJSON decodes s into values the CBOR encoder writes compactly:
// integers stay integers and object keys that parse as ids become numbers.
func parseJSON(s string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: json %q: %v", errUsage, s, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: json %q: trailing data", errUsage, s)
	}
	return normalize(v), nil
}

func normalize(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if u, err := strconv.ParseUint(x.String(), 10, 64); err == nil {
			return u
		}
		f, _ := x.Float64()
		return f
	case []any:
		for i := range x {
			x[i] = normalize(x[i])
		}
		return x
	case map[string]any:
		out := make(map[any]any, len(x))
		for k, val := range x {
			out[parseID(k)] = normalize(val)
		}
		return out
	default:
		return v
	}
}

// execute issues one request and prints its result. Error statuses are
// printed and reported as failure.
func (c command) execute(ctx context.Context, client *thingset.Client, out io.Writer) error {
	var (
		resp thingset.Response
		err  error
	)
	switch c.name {
	case "get":
		resp, err = client.Get(ctx, c.dst, c.id)
	case "post":
		args, _ := c.arg.([]any)
		resp, err = client.Post(ctx, c.dst, c.id, args)
	case "delete":
		resp, err = client.Delete(ctx, c.dst, c.arg)
	case "fetch":
		resp, err = client.Fetch(ctx, c.dst, c.id, c.arg.([]any))
	case "patch":
		resp, err = client.Patch(ctx, c.dst, c.id, c.arg.(map[any]any))
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, c.name)
	}
	if err != nil {
		return err
	}
	if resp.Status == thingset.StatusContent {
		fmt.Fprintln(out, formatValue(resp.Value))
	} else {
		fmt.Fprintln(out, resp.Status)
	}
	if resp.Status.IsError() {
		return fmt.Errorf("%s returned %s", c.name, resp.Status)
	}
	return nil
}

// monitor prints every accepted publication until ctx is done.
func monitor(ctx context.Context, client *thingset.Client, subs []packet.Address, out io.Writer) error {
	if len(subs) == 0 {
		return fmt.Errorf("%w: monitor needs at least one address (argument or subscribe in config)", errUsage)
	}
	client.SetPublicationCallback(func(src packet.Address, id packet.DataObjectID, v any) {
		fmt.Fprintf(out, "0x%02X 0x%04X %s\n", uint8(src), uint16(id), formatValue(v))
	})
	for _, addr := range subs {
		client.Subscribe(addr)
	}
	<-ctx.Done()
	return nil
}

// formatValue renders decoded CBOR with map keys in a stable order.
func formatValue(v any) string {
	switch x := v.(type) {
	case map[any]any:
		keys := make([]string, 0, len(x))
		vals := make(map[string]string, len(x))
		for k, val := range x {
			ks := formatKey(k)
			keys = append(keys, ks)
			vals[ks] = formatValue(val)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + ": " + vals[k]
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case []any:
		parts := make([]string, len(x))
		for i, val := range x {
			parts[i] = formatValue(val)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case string:
		return strconv.Quote(x)
	case []byte:
		return fmt.Sprintf("h'%X'", x)
	case nil:
		return "null"
	default:
		return fmt.Sprint(x)
	}
}

func formatKey(k any) string {
	switch x := k.(type) {
	case uint64:
		return fmt.Sprintf("0x%02X", x)
	case string:
		return strconv.Quote(x)
	default:
		return fmt.Sprint(x)
	}
}
