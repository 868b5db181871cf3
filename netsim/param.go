package netsim

// param.go holds the run-time attribute machinery through which device and
// channel models are configured.  An Attribute names the kind of object it
// applies to, a set of attribute tests selecting which objects of that kind
// receive it, and a string-encoded parameter value.

import (
	"fmt"
	"golang.org/x/exp/slices"
	"sort"
	"strconv"
	"strings"
)

// AttrbStruct is one attribute test.  AttrbName "*" is a wildcard matching
// every object, "name" matches the object's name, anything else is tested by the object itself
type AttrbStruct struct {
	AttrbName  string `json:"attrbname" yaml:"attrbname"`
	AttrbValue string `json:"attrbvalue" yaml:"attrbvalue"`
}

// Attribute describes one run-time configuration assignment
type Attribute struct {
	// ParamObj is the type of thing being configured: Channel, Interface, or Node
	ParamObj string `json:"paramObj" yaml:"paramObj"`

	// Attributes select the objects of that type the assignment applies to
	Attributes []AttrbStruct `json:"attributes" yaml:"attributes"`

	// Param is the parameter type, e.g. "bandwidth", "latency", "range"
	Param string `json:"param" yaml:"param"`

	// Value is the string-encoded value for the parameter
	Value string `json:"value" yaml:"value"`
}

// WildcardAttribute creates an Attribute applying to every object of type paramObj
func WildcardAttribute(paramObj, param, value string) Attribute {
	return Attribute{ParamObj: paramObj, Attributes: []AttrbStruct{{AttrbName: "*"}}, Param: param, Value: value}
}

// Eq is true when the two attributes apply the same value to the same targets
func (attrb *Attribute) Eq(other *Attribute) bool {
	if attrb.ParamObj != other.ParamObj || attrb.Param != other.Param || attrb.Value != other.Value {
		return false
	}
	return compareAttrbs(attrb.Attributes, other.Attributes) == 0
}

// compareAttrbs orders two attribute lists lexicographically, returning -1, 0, or 1
func compareAttrbs(a, b []AttrbStruct) int {
	for idx := 0; idx < len(a) && idx < len(b); idx++ {
		if c := strings.Compare(a[idx].AttrbName, b[idx].AttrbName); c != 0 {
			return c
		}
		if c := strings.Compare(a[idx].AttrbValue, b[idx].AttrbValue); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// paramObjs, paramAttributes and paramTypes describe the object types that
// may be configured, the attribute tests each recognizes, and the parameters each accepts
var paramObjs = []string{"Channel", "Interface", "Node"}

var paramAttributes = map[string][]string{
	"Channel":   {"media", "name", "*"},
	"Interface": {"media", "node", "name", "*"},
	"Node":      {"index", "name", "*"},
}

var paramTypes = map[string][]string{
	"Channel":   {"bandwidth", "latency", "range", "loss", "overhead"},
	"Interface": {"bandwidth", "buffer", "trace"},
	"Node":      {"trace"},
}

// ValidateAttribute returns an error if the components of the attribute
// don't make sense taken together
func ValidateAttribute(attrb Attribute) error {
	if !slices.Contains(paramObjs, attrb.ParamObj) {
		return fmt.Errorf("parameter paramObj %s is not recognized", attrb.ParamObj)
	}

	for _, test := range attrb.Attributes {
		if (test.AttrbName == "*" || test.AttrbName == "name") && len(attrb.Attributes) != 1 {
			return fmt.Errorf("attribute %s of paramObj %s is included with more attributes", test.AttrbName, attrb.ParamObj)
		}
		if !slices.Contains(paramAttributes[attrb.ParamObj], test.AttrbName) {
			return fmt.Errorf("attribute %s is not recognized for paramObj %s", test.AttrbName, attrb.ParamObj)
		}
	}

	if !slices.Contains(paramTypes[attrb.ParamObj], attrb.Param) {
		return fmt.Errorf("parameter %s is not recognized for paramObj %s", attrb.Param, attrb.ParamObj)
	}
	return nil
}

// reorderAttributes puts the list in an order such that assignments with broader
// reach are applied before narrower ones that touch the same object, the way a
// routing table prefers the longest matching prefix. Duplicates are removed.
func reorderAttributes(pL []Attribute) []Attribute {
	// wildcard (wc), single (sg), and named (nm)
	wc := []Attribute{}
	sg := []Attribute{}
	nm := []Attribute{}

	for _, param := range pL {
		assigned := false
		for _, attrb := range param.Attributes {
			if attrb.AttrbName == "*" {
				wc = append(wc, param)
				assigned = true
				break
			} else if attrb.AttrbName == "name" {
				nm = append(nm, param)
				assigned = true
				break
			}
		}
		if !assigned {
			sg = append(sg, param)
		}
	}

	sort.SliceStable(wc, func(i, j int) bool { return wc[i].Param < wc[j].Param })

	byAttrb := func(lst []Attribute) func(i, j int) bool {
		return func(i, j int) bool {
			if c := compareAttrbs(lst[i].Attributes, lst[j].Attributes); c != 0 {
				return c < 0
			}
			return lst[i].Param < lst[j].Param
		}
	}
	sort.SliceStable(sg, byAttrb(sg))
	sort.SliceStable(nm, byAttrb(nm))

	ordered := make([]Attribute, 0, len(pL))
	ordered = append(ordered, wc...)
	ordered = append(ordered, sg...)
	ordered = append(ordered, nm...)

	for idx := len(ordered) - 1; idx > 0; idx-- {
		if ordered[idx].Eq(&ordered[idx-1]) {
			ordered = append(ordered[:idx], ordered[idx+1:]...)
		}
	}
	return ordered
}

// paramObj is satisfied by every configurable model object
type paramObj interface {
	matchParam(attrbName, attrbValue string) bool
	setParam(param string, value valueStruct)
	paramObjName() string
}

// applyAttributes applies each assignment, in most-general-first order, to the
// objects of its type whose attribute tests all match
func applyAttributes(params []Attribute, objs map[string][]paramObj) {
	for _, param := range reorderAttributes(params) {
		for _, obj := range objs[param.ParamObj] {
			matched := true
			for _, attrb := range param.Attributes {
				if attrb.AttrbName == "*" {
					break
				}
				if attrb.AttrbName == "name" {
					matched = obj.paramObjName() == attrb.AttrbValue
				} else {
					matched = obj.matchParam(attrb.AttrbName, attrb.AttrbValue)
				}
				if !matched {
					break
				}
			}
			if matched {
				obj.setParam(param.Param, stringToValueStruct(param.Value))
			}
		}
	}
}

// A valueStruct holds the interpretations a string-encoded value might have.
// Which one is used is known by the parameter receiving it
type valueStruct struct {
	intValue    int
	floatValue  float64
	stringValue string
	boolValue   bool
}

// stringToValueStruct determines whether v is an integer, a float, a boolean, or a string
func stringToValueStruct(v string) valueStruct {
	vs := valueStruct{stringValue: v}

	if ivalue, err := strconv.Atoi(v); err == nil {
		vs.intValue = ivalue
		vs.floatValue = float64(ivalue)
		return vs
	}

	if fvalue, err := strconv.ParseFloat(v, 64); err == nil {
		vs.floatValue = fvalue
		return vs
	}

	if v == "true" || v == "True" {
		vs.boolValue = true
	}
	return vs
}
