package main

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"logogen/pkg/domain"
	"logogen/pkg/queue"
)

type openAPIDoc struct {
	Paths      map[string]map[string]any `yaml:"paths"`
	Components struct {
		Schemas map[string]schema `yaml:"schemas"`
	} `yaml:"components"`
}

type schema struct {
	Type       string            `yaml:"type"`
	Ref        string            `yaml:"$ref"`
	Properties map[string]schema `yaml:"properties"`
	Required   []string          `yaml:"required"`
	Items      *schema           `yaml:"items"`
}

type schemaShape struct {
	Type       string
	Required   []string
	Properties map[string]propertyShape
}

type propertyShape struct {
	Type string
	Ref  string
}

// wireTypes binds schema names to the Go types the service encodes.
var wireTypes = map[string]reflect.Type{
	"StartResult": reflect.TypeFor[domain.StartResult](),
	"Health":      reflect.TypeFor[domain.Health](),
	"Generation":  reflect.TypeFor[domain.Generation](),
	"QueueStats":  reflect.TypeFor[queue.Stats](),
	"DeadLetter":  reflect.TypeFor[queue.DeadLetter](),
}

var timeType = reflect.TypeFor[time.Time]()

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <openapi.yaml>\n", os.Args[0])
		os.Exit(2)
	}
	doc, err := loadDoc(os.Args[1])
	if err != nil {
		exitErr(err)
	}
	if err := check(doc); err != nil {
		exitErr(err)
	}
	fmt.Println("OpenAPI consistency check passed.")
}

func check(doc openAPIDoc) error {
	errResp, err := getSchema(doc, "ErrorResponse")
	if err != nil {
		return err
	}
	if err := validateErrorResponse(errResp); err != nil {
		return err
	}
	detail, err := getSchema(doc, "ErrorDetail")
	if err != nil {
		return err
	}
	if err := validateErrorDetail(detail); err != nil {
		return err
	}

	names := make([]string, 0, len(wireTypes))
	for name := range wireTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	var errs []error
	for _, name := range names {
		s, err := getSchema(doc, name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := ensureSameShape(name, shapeFromSchema(s), shapeFromType(wireTypes[name])); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func loadDoc(path string) (openAPIDoc, error) {
	var doc openAPIDoc
	raw, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

func getSchema(doc openAPIDoc, name string) (schema, error) {
	if doc.Components.Schemas == nil {
		return schema{}, errors.New("components.schemas missing")
	}
	s, ok := doc.Components.Schemas[name]
	if !ok {
		return schema{}, fmt.Errorf("schema %q missing", name)
	}
	return s, nil
}

func validateErrorResponse(s schema) error {
	if s.Type != "object" {
		return errors.New("ErrorResponse must be object")
	}
	required := makeSet(s.Required)
	for _, field := range []string{"success", "error"} {
		if !required[field] {
			return fmt.Errorf("ErrorResponse.required must include %q", field)
		}
	}
	if prop, ok := s.Properties["success"]; !ok || prop.Type != "boolean" {
		return errors.New("ErrorResponse.success must be boolean")
	}
	if prop, ok := s.Properties["error"]; !ok || strings.TrimSpace(prop.Ref) != "#/components/schemas/ErrorDetail" {
		return errors.New("ErrorResponse.error must reference ErrorDetail")
	}
	return nil
}

func validateErrorDetail(s schema) error {
	if s.Type != "object" {
		return errors.New("ErrorDetail must be object")
	}
	required := makeSet(s.Required)
	for _, field := range []string{"kind", "message"} {
		if !required[field] {
			return fmt.Errorf("ErrorDetail.required must include %q", field)
		}
		if prop, ok := s.Properties[field]; !ok || prop.Type != "string" {
			return fmt.Errorf("ErrorDetail.%s must be string", field)
		}
	}
	return nil
}

func shapeFromSchema(s schema) schemaShape {
	out := schemaShape{
		Type:       s.Type,
		Required:   append([]string(nil), s.Required...),
		Properties: make(map[string]propertyShape, len(s.Properties)),
	}
	sort.Strings(out.Required)
	for name, prop := range s.Properties {
		out.Properties[name] = propertyShape{Type: prop.Type, Ref: strings.TrimSpace(prop.Ref)}
	}
	return out
}

// shapeFromType derives the schema a struct encodes to. Fields tagged
// omitempty are optional.
func shapeFromType(t reflect.Type) schemaShape {
	out := schemaShape{Type: "object", Properties: make(map[string]propertyShape)}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, opts, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = f.Name
		}
		out.Properties[name] = propertyShape{Type: jsonType(f.Type)}
		if !strings.Contains(opts, "omitempty") {
			out.Required = append(out.Required, name)
		}
	}
	sort.Strings(out.Required)
	return out
}

func jsonType(t reflect.Type) string {
	if t == timeType {
		return "string"
	}
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "boolean"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Pointer:
		return jsonType(t.Elem())
	}
	return "object"
}

func ensureSameShape(name string, doc, code schemaShape) error {
	if doc.Type != code.Type {
		return fmt.Errorf("%s type mismatch: %q vs %q", name, doc.Type, code.Type)
	}
	if strings.Join(doc.Required, ",") != strings.Join(code.Required, ",") {
		return fmt.Errorf("%s required mismatch: %v vs %v", name, doc.Required, code.Required)
	}
	for key := range code.Properties {
		if _, ok := doc.Properties[key]; !ok {
			return fmt.Errorf("%s missing property %q in document", name, key)
		}
	}
	for key, docProp := range doc.Properties {
		codeProp, ok := code.Properties[key]
		if !ok {
			return fmt.Errorf("%s documents unknown property %q", name, key)
		}
		if docProp.Ref == "" && docProp.Type != codeProp.Type {
			return fmt.Errorf("%s property %q type mismatch: %q vs %q", name, key, docProp.Type, codeProp.Type)
		}
	}
	return nil
}

func makeSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out[item] = true
	}
	return out
}

func exitErr(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
