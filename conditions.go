package authz

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/oarkflow/clinicauthz/logger"
	"github.com/oarkflow/clinicauthz/utils"
)

// Condition keys with special meaning when paired with the value "self".
const (
	ConditionOwner   = "owner"
	ConditionPatient = "patient"
	conditionSelf    = "self"
)

// Condition names added to a decision by stages rather than by scopes.
const (
	ConditionEmergencyOverride = "emergency_override"
	ConditionConsentOverride   = "consent_override"
)

// conditionEvaluator is the one predicate shared by role scopes and
// policies. strict turns the no-data fallback into a failure.
type conditionEvaluator struct {
	strict bool
	log    logger.Logger
}

// EvaluateConditions reports whether req satisfies every entry of
// conditions. An empty map is satisfied. Plain key/value entries are
// satisfied when the request carries no resource data; use an engine built
// with WithRequireResourceData to reject those instead.
func EvaluateConditions(req *Request, conditions map[string]any) (bool, error) {
	return conditionEvaluator{log: logger.NewNullLogger()}.evaluate(req, conditions)
}

func (ce conditionEvaluator) evaluate(req *Request, conditions map[string]any) (bool, error) {
	if len(conditions) == 0 {
		return true, nil
	}
	for _, key := range conditionNames(conditions) {
		ok, err := ce.evaluateOne(req, key, conditions[key])
		if err != nil {
			return false, fmt.Errorf("condition %q: %w", key, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (ce conditionEvaluator) evaluateOne(req *Request, key string, expected any) (bool, error) {
	if expected == conditionSelf {
		switch key {
		case ConditionOwner:
			return ownsResource(req), nil
		case ConditionPatient:
			return isPatientSubject(req), nil
		}
	}
	if req.ResourceData == nil {
		if ce.strict {
			ce.log.Debug("condition rejected without resource data", "condition", key, "resource_type", req.ResourceType)
			return false, nil
		}
		ce.log.Debug("condition satisfied without resource data", "condition", key, "resource_type", req.ResourceType)
		return true, nil
	}
	actual, found, err := utils.Lookup(req.ResourceData, key)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	return matchValue(actual, expected)
}

// ownsResource is true when the caller is the Patient resource itself. The
// snapshot's id is used when present, else the request's resource id.
func ownsResource(req *Request) bool {
	uid := req.callerID()
	if uid == "" || req.ResourceType != PatientResourceType {
		return false
	}
	if req.ResourceData != nil {
		id, ok := req.ResourceData["id"].(string)
		return ok && id == uid
	}
	return req.ResourceID == uid
}

// isPatientSubject is true when the resource's patient or subject reference
// points at the caller.
func isPatientSubject(req *Request) bool {
	uid := req.callerID()
	if uid == "" {
		return false
	}
	id, ok := referencedPatient(req.ResourceData)
	return ok && id == uid
}

func referencedPatient(data map[string]any) (string, bool) {
	if data == nil {
		return "", false
	}
	for _, field := range []string{"patient", "subject"} {
		ref, ok := utils.ReferenceString(data[field])
		if !ok {
			continue
		}
		if t := utils.ReferenceType(ref); t != "" && t != PatientResourceType {
			continue
		}
		if id := utils.ReferenceID(ref); id != "" {
			return id, true
		}
	}
	return "", false
}

// matchValue compares a resource field against a condition value: list
// membership when the condition is a list, equality otherwise.
func matchValue(actual, expected any) (bool, error) {
	if expected == nil {
		return actual == nil, nil
	}
	rv := reflect.ValueOf(expected)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			ok, err := equalValues(actual, rv.Index(i).Interface())
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case reflect.Map, reflect.Struct, reflect.Func, reflect.Chan, reflect.Pointer:
		return false, fmt.Errorf("unsupported condition value of type %T", expected)
	}
	return equalValues(actual, expected)
}

func equalValues(actual, expected any) (bool, error) {
	switch actual.(type) {
	case map[string]any, []any:
		return false, fmt.Errorf("type mismatch: resource value is %T, condition expects %T", actual, expected)
	}
	if a, ok := toFloat(actual); ok {
		if b, ok := toFloat(expected); ok {
			return a == b, nil
		}
		return false, nil
	}
	switch av := actual.(type) {
	case string:
		bv, ok := expected.(string)
		return ok && av == bv, nil
	case bool:
		bv, ok := expected.(bool)
		return ok && av == bv, nil
	case nil:
		return false, nil
	}
	if reflect.TypeOf(actual).Comparable() && reflect.TypeOf(actual) == reflect.TypeOf(expected) {
		return actual == expected, nil
	}
	return false, fmt.Errorf("type mismatch: resource value is %T, condition expects %T", actual, expected)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// conditionNames returns the keys of a condition map in a stable order.
func conditionNames(conditions map[string]any) []string {
	names := make([]string, 0, len(conditions))
	for k := range conditions {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
