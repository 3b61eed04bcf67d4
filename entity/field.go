package entity

import "fmt"

const (
	InputCount  = 7
	OutputCount = 6
	SensorCount = 4
)

// FieldKind classifies a field for discovery metadata.
type FieldKind int

const (
	KindInputPower FieldKind = iota
	KindInputEnergy
	KindOutputPower
	KindOutputHours
	KindOutputTest
	KindTemperature
	KindTotalPower
	KindVoltage
	KindFlag
	KindText
)

// Field is one measurement of the status document. Path is both the element path
// below the document root and the topic suffix below the device id.
type Field struct {
	Path  string
	Kind  FieldKind
	Index int // input/output/sensor number, 0 for scalars
}

func (f Field) String() string {
	return f.Path
}

var scalarFields = []Field{
	{Path: "PPS", Kind: KindTotalPower},
	{Path: "VAC", Kind: KindVoltage},
	{Path: "EL1", Kind: KindFlag},
	{Path: "ETS", Kind: KindFlag},
	{Path: "ILT", Kind: KindFlag},
	{Path: "ICW", Kind: KindFlag},
	{Path: "ITS", Kind: KindFlag},
	{Path: "IDST", Kind: KindFlag},
	{Path: "ISC", Kind: KindFlag},
	{Path: "SRT", Kind: KindText},
	{Path: "DW", Kind: KindText},
}

var fields = buildFields()

func buildFields() []Field {
	result := make([]Field, 0, InputCount*2+OutputCount*3+SensorCount+len(scalarFields))
	for i := 1; i <= InputCount; i++ {
		result = append(result,
			Field{Path: fmt.Sprintf("I%d/P", i), Kind: KindInputPower, Index: i},
			Field{Path: fmt.Sprintf("I%d/E", i), Kind: KindInputEnergy, Index: i},
		)
	}
	for i := 1; i <= OutputCount; i++ {
		result = append(result,
			Field{Path: fmt.Sprintf("O%d/P", i), Kind: KindOutputPower, Index: i},
			Field{Path: fmt.Sprintf("O%d/HN", i), Kind: KindOutputHours, Index: i},
			Field{Path: fmt.Sprintf("O%d/T", i), Kind: KindOutputTest, Index: i},
		)
	}
	for i := 1; i <= SensorCount; i++ {
		result = append(result, Field{Path: fmt.Sprintf("DQ%d", i), Kind: KindTemperature, Index: i})
	}
	return append(result, scalarFields...)
}

// Fields returns every known field in publish order. The slice must not be modified.
func Fields() []Field {
	return fields
}

// LookupField finds a known field by its path.
func LookupField(path string) (Field, bool) {
	for _, field := range fields {
		if field.Path == path {
			return field, true
		}
	}
	return Field{}, false
}

// OutputTestField returns the test-state field of output n (1..6).
func OutputTestField(n int) Field {
	return Field{Path: fmt.Sprintf("O%d/T", n), Kind: KindOutputTest, Index: n}
}

// Snapshot is one parsed status document. Absent fields have no entry.
type Snapshot struct {
	values map[string]string
}

func NewSnapshot(values map[Field]string) Snapshot {
	snapshot := Snapshot{values: make(map[string]string, len(values))}
	for field, value := range values {
		snapshot.values[field.Path] = value
	}
	return snapshot
}

// Lookup returns the value of field and whether the device reported it.
func (s Snapshot) Lookup(field Field) (string, bool) {
	value, ok := s.values[field.Path]
	return value, ok
}

func (s Snapshot) Len() int {
	return len(s.values)
}

// PublishInstruction is a single outgoing message relative to the device topic root.
type PublishInstruction struct {
	Field  Field
	Value  string
	QoS    byte
	Retain bool
}

func (p PublishInstruction) Suffix() string {
	return p.Field.Path
}
