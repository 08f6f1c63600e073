package config

import (
	"fmt"
	"reflect"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

const redacted = "<redacted>"

// YAML renders the effective configuration in field order, with durations in
// their string form and secrets redacted.
func (c *Config) YAML() ([]byte, error) {
	root := node(reflect.ValueOf(*c))
	doc := &yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{root}}
	return yaml.Marshal(doc)
}

func node(v reflect.Value) *yaml.Node {
	if v.Type() == reflect.TypeOf(time.Duration(0)) {
		return scalar("!!str", time.Duration(v.Int()).String())
	}

	switch v.Kind() {
	case reflect.Struct:
		m := &yaml.Node{Kind: yaml.MappingNode}
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			name := f.Tag.Get("yaml")
			if name == "" || name == "-" {
				continue
			}
			value := node(v.Field(i))
			if f.Tag.Get("secret") == "true" && v.Field(i).String() != "" {
				value = scalar("!!str", redacted)
			}
			m.Content = append(m.Content, scalar("!!str", name), value)
		}
		return m
	case reflect.Map:
		m := &yaml.Node{Kind: yaml.MappingNode}
		ks := v.MapKeys()
		sort.Slice(ks, func(i, j int) bool { return ks[i].String() < ks[j].String() })
		for _, k := range ks {
			m.Content = append(m.Content, scalar("!!str", k.String()), node(v.MapIndex(k)))
		}
		return m
	case reflect.Bool:
		return scalar("!!bool", fmt.Sprint(v.Bool()))
	case reflect.Int, reflect.Int64, reflect.Int32:
		return scalar("!!int", fmt.Sprint(v.Int()))
	default:
		return scalar("!!str", v.String())
	}
}

func scalar(tag, value string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: value}
}
