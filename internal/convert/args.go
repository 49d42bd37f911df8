package convert

import (
	"fmt"
	"math"
	"strings"

	"github.com/and161185/docgov/internal/model"
	u "github.com/gofrs/uuid/v5"
	"google.golang.org/protobuf/types/known/structpb"
)

// Args reads typed request fields out of a structpb body. A missing key and an explicit null
// read the same.
type Args struct{ s *structpb.Struct }

// NewArgs wraps a request body; nil is treated as empty.
func NewArgs(s *structpb.Struct) Args { return Args{s: s} }

func (a Args) get(key string) (*structpb.Value, bool) {
	if a.s == nil {
		return nil, false
	}
	v, ok := a.s.GetFields()[key]
	if !ok || v == nil {
		return nil, false
	}
	if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
		return nil, false
	}
	return v, true
}

// Has reports whether key carries a non-null value.
func (a Args) Has(key string) bool {
	_, ok := a.get(key)
	return ok
}

// String returns a string field, "" when absent.
func (a Args) String(key string) (string, error) {
	v, ok := a.get(key)
	if !ok {
		return "", nil
	}
	s, isStr := v.GetKind().(*structpb.Value_StringValue)
	if !isStr {
		return "", fmt.Errorf("%s: expected string", key)
	}
	return s.StringValue, nil
}

// OptString returns nil when the key is absent.
func (a Args) OptString(key string) (*string, error) {
	if !a.Has(key) {
		return nil, nil
	}
	s, err := a.String(key)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Bool returns a bool field, false when absent.
func (a Args) Bool(key string) (bool, error) {
	v, ok := a.get(key)
	if !ok {
		return false, nil
	}
	b, isBool := v.GetKind().(*structpb.Value_BoolValue)
	if !isBool {
		return false, fmt.Errorf("%s: expected bool", key)
	}
	return b.BoolValue, nil
}

// OptBool returns nil when the key is absent.
func (a Args) OptBool(key string) (*bool, error) {
	if !a.Has(key) {
		return nil, nil
	}
	b, err := a.Bool(key)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Int returns an integral number field, 0 when absent.
func (a Args) Int(key string) (int, error) {
	v, ok := a.get(key)
	if !ok {
		return 0, nil
	}
	return intValue(key, v)
}

func intValue(key string, v *structpb.Value) (int, error) {
	n, isNum := v.GetKind().(*structpb.Value_NumberValue)
	if !isNum {
		return 0, fmt.Errorf("%s: expected number", key)
	}
	f := n.NumberValue
	if f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, fmt.Errorf("%s: expected integer, got %v", key, f)
	}
	return int(f), nil
}

// UUID returns a required uuid field.
func (a Args) UUID(key string) (u.UUID, error) {
	s, err := a.String(key)
	if err != nil {
		return u.Nil, err
	}
	if s == "" {
		return u.Nil, fmt.Errorf("%s: required", key)
	}
	id, err := u.FromString(s)
	if err != nil {
		return u.Nil, fmt.Errorf("%s: invalid uuid: %w", key, err)
	}
	return id, nil
}

// OptUUID returns nil when the key is absent or empty.
func (a Args) OptUUID(key string) (*u.UUID, error) {
	s, err := a.String(key)
	if err != nil || s == "" {
		return nil, err
	}
	id, err := a.UUID(key)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// Level parses a permission level by name.
func (a Args) Level(key string) (model.Level, error) {
	s, err := a.String(key)
	if err != nil {
		return model.LevelNone, err
	}
	if s == "" {
		return model.LevelNone, fmt.Errorf("%s: required", key)
	}
	l, err := model.ParseLevel(strings.ToLower(s))
	if err != nil {
		return model.LevelNone, fmt.Errorf("%s: %w", key, err)
	}
	return l, nil
}

// Struct returns a nested object, or empty Args when absent.
func (a Args) Struct(key string) (Args, error) {
	v, ok := a.get(key)
	if !ok {
		return Args{}, nil
	}
	s, isStruct := v.GetKind().(*structpb.Value_StructValue)
	if !isStruct {
		return Args{}, fmt.Errorf("%s: expected object", key)
	}
	return Args{s: s.StructValue}, nil
}

// Subject reads a grant subject object {userId|roleName|departmentId}. Exactly-one is checked by the service.
func (a Args) Subject(key string) (model.Subject, error) {
	obj, err := a.Struct(key)
	if err != nil {
		return model.Subject{}, err
	}
	var s model.Subject
	if s.UserID, err = obj.OptUUID("userId"); err != nil {
		return s, fmt.Errorf("%s.%w", key, err)
	}
	if s.RoleName, err = obj.String("roleName"); err != nil {
		return s, fmt.Errorf("%s.%w", key, err)
	}
	if s.DepartmentID, err = obj.OptUUID("departmentId"); err != nil {
		return s, fmt.Errorf("%s.%w", key, err)
	}
	return s, nil
}

// Overrides reads a {capability: bool} object. Unknown capabilities are rejected.
func (a Args) Overrides(key string) (map[model.Capability]bool, error) {
	obj, err := a.Struct(key)
	if err != nil || obj.s == nil {
		return nil, err
	}
	out := make(map[model.Capability]bool, len(obj.s.GetFields()))
	for name := range obj.s.GetFields() {
		c := model.Capability(name)
		if !model.ValidCapability(c) {
			return nil, fmt.Errorf("%s: unknown capability %q", key, name)
		}
		b, err := obj.Bool(name)
		if err != nil {
			return nil, fmt.Errorf("%s.%w", key, err)
		}
		out[c] = b
	}
	return out, nil
}

// Steps reads a list of workflow steps. Nil is returned when the key is absent.
func (a Args) Steps(key string) ([]model.WorkflowStep, error) {
	v, ok := a.get(key)
	if !ok {
		return nil, nil
	}
	l, isList := v.GetKind().(*structpb.Value_ListValue)
	if !isList {
		return nil, fmt.Errorf("%s: expected list", key)
	}
	out := make([]model.WorkflowStep, 0, len(l.ListValue.GetValues()))
	for i, item := range l.ListValue.GetValues() {
		s, isStruct := item.GetKind().(*structpb.Value_StructValue)
		if !isStruct {
			return nil, fmt.Errorf("%s[%d]: expected object", key, i)
		}
		step, err := StepFrom(NewArgs(s.StructValue))
		if err != nil {
			return nil, fmt.Errorf("%s[%d].%w", key, i, err)
		}
		out = append(out, step)
	}
	return out, nil
}

// StepFrom reads one step object. Order is optional on input; the service numbers steps.
func StepFrom(a Args) (model.WorkflowStep, error) {
	var (
		s   model.WorkflowStep
		err error
	)
	if s.Order, err = a.Int("order"); err != nil {
		return s, err
	}
	if s.Name, err = a.String("name"); err != nil {
		return s, err
	}
	typ, err := a.String("type")
	if err != nil {
		return s, err
	}
	s.Type = model.StepType(typ)
	assignee, err := a.Struct("assignee")
	if err != nil {
		return s, err
	}
	at, err := assignee.String("type")
	if err != nil {
		return s, fmt.Errorf("assignee.%w", err)
	}
	s.Assignee.Type = model.AssigneeType(at)
	if s.Assignee.Value, err = assignee.String("value"); err != nil {
		return s, fmt.Errorf("assignee.%w", err)
	}
	if s.Parallel, err = a.Bool("parallel"); err != nil {
		return s, err
	}
	if s.TimeoutHours, err = a.Int("timeoutHours"); err != nil {
		return s, err
	}
	return s, nil
}
