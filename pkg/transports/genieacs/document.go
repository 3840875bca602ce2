package genieacs

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/openfroyo/froyo-acs/pkg/engine"
)

// Document is a GenieACS device document. Parameters are nested objects
// keyed by path segment; leaves carry _value, _type, _writable and
// _timestamp attributes.
type Document map[string]interface{}

// DeviceID returns the GenieACS _id of the document.
func (d Document) DeviceID() string {
	id, _ := d["_id"].(string)
	return id
}

// Identity returns the device identity recorded under _deviceId.
func (d Document) Identity() engine.DeviceIdentity {
	info, _ := d["_deviceId"].(map[string]interface{})
	str := func(key string) string {
		s, _ := info[key].(string)
		return s
	}
	return engine.DeviceIdentity{
		Manufacturer: str("_Manufacturer"),
		OUI:          str("_OUI"),
		ProductClass: str("_ProductClass"),
		SerialNumber: str("_SerialNumber"),
	}
}

// LastInform returns the time of the last inform, if recorded.
func (d Document) LastInform() (time.Time, bool) {
	s, ok := d["_lastInform"].(string)
	if !ok {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// DataModel infers the data model from the root object present.
func (d Document) DataModel() engine.DataModel {
	if _, ok := d["Device"]; ok {
		return engine.DataModelTR181
	}
	return engine.DataModelTR098
}

func (d Document) node(path engine.Path) (map[string]interface{}, bool) {
	var cur interface{} = map[string]interface{}(d)
	for _, seg := range path.Segments() {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	m, ok := cur.(map[string]interface{})
	return m, ok
}

// Parameter returns the value of a leaf parameter.
func (d Document) Parameter(path engine.Path) (engine.Value, error) {
	n, ok := d.node(path)
	if !ok {
		return engine.Value{}, fmt.Errorf("parameter not found")
	}
	if obj, _ := n["_object"].(bool); obj {
		return engine.Value{}, fmt.Errorf("path is an object")
	}

	var (
		raw      interface{}
		typeName string
	)
	switch v := n["_value"].(type) {
	case nil:
		return engine.Value{}, fmt.Errorf("parameter has no value")
	case []interface{}:
		// Older GenieACS versions store [value, type].
		if len(v) > 0 {
			raw = v[0]
		}
		if len(v) > 1 {
			typeName, _ = v[1].(string)
		}
	default:
		raw = v
	}
	if t, ok := n["_type"].(string); ok {
		typeName = t
	}

	vt, err := engine.ParseValueType(typeName)
	if err != nil {
		vt = engine.TypeString
	}
	return engine.NewValue(vt, lexical(raw))
}

// lexical renders a JSON scalar in its TR-069 lexical form.
func lexical(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

// Instances returns the sorted instance numbers of a multi-instance object.
func (d Document) Instances(parent engine.Path) ([]int, error) {
	n, ok := d.node(parent)
	if !ok {
		return nil, fmt.Errorf("object not found")
	}
	indices := []int{}
	for key := range n {
		if strings.HasPrefix(key, "_") {
			continue
		}
		if i, err := strconv.Atoi(key); err == nil && i > 0 {
			indices = append(indices, i)
		}
	}
	sort.Ints(indices)
	return indices, nil
}

// DeviceIDFor builds the GenieACS device ID of an identity: OUI, product
// class and serial number joined by "-", each part percent-encoded. An
// identity without OUI has no derivable ID.
func DeviceIDFor(identity engine.DeviceIdentity) (string, bool) {
	if identity.OUI == "" {
		return "", false
	}
	parts := []string{escapeIDPart(identity.OUI)}
	if identity.ProductClass != "" {
		parts = append(parts, escapeIDPart(identity.ProductClass))
	}
	parts = append(parts, escapeIDPart(identity.SerialNumber))
	return strings.Join(parts, "-"), true
}

var idEscaper = strings.NewReplacer("+", "%20", "-", "%2D")

func escapeIDPart(s string) string {
	return idEscaper.Replace(url.QueryEscape(s))
}
