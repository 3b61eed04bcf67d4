package mapper

import (
	"log/slog"

	"github.com/kuretru/Wattrouter-MQTT-Gateway/entity"
)

type Defaults struct {
	QoS    byte
	Retain bool
}

// Map turns a snapshot into publish instructions, one per present field, in the
// order of entity.Fields. Absent fields produce nothing.
func Map(snapshot entity.Snapshot, defaults Defaults) []entity.PublishInstruction {
	result := make([]entity.PublishInstruction, 0, snapshot.Len())
	for _, field := range entity.Fields() {
		value, ok := snapshot.Lookup(field)
		if !ok {
			continue
		}
		result = append(result, entity.PublishInstruction{
			Field:  field,
			Value:  value,
			QoS:    defaults.QoS,
			Retain: defaults.Retain,
		})
	}
	return result
}

// Severity reports whether a published value also deserves a log line, and at which level.
func Severity(instruction entity.PublishInstruction) (slog.Level, string, bool) {
	switch instruction.Field.Path {
	case "PPS":
		return slog.LevelInfo, "Poller: total power", true
	case "EL1":
		if instruction.Value == "1" {
			return slog.LevelWarn, "Poller: voltage error detected", true
		}
	}
	return 0, "", false
}
