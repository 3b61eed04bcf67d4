package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/VictoriaMetrics/metrics"
	"github.com/kuretru/Wattrouter-MQTT-Gateway/entity"
)

func exposition() string {
	var buf bytes.Buffer
	metrics.WritePrometheus(&buf, false)
	return buf.String()
}

func TestFieldValue(t *testing.T) {
	pps, _ := entity.LookupField("PPS")
	srt, _ := entity.LookupField("SRT")

	FieldValue(pps, "523")
	FieldValue(srt, "06:42")

	out := exposition()
	if !strings.Contains(out, `wattrouter_field_value{field="PPS"} 523`) {
		t.Errorf("PPS gauge missing:\n%s", out)
	}
	if strings.Contains(out, `field="SRT"`) {
		t.Errorf("SRT should not be exported:\n%s", out)
	}
}

func TestCounters(t *testing.T) {
	Poll(false)
	Command(3, true)
	Connect(false)

	out := exposition()
	for _, want := range []string{
		`wattrouter_polls_total{result="error"}`,
		`wattrouter_commands_total{output="3",result="ok"}`,
		`wattrouter_mqtt_connects_total{result="error"}`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %s in:\n%s", want, out)
		}
	}
}

func TestInit_Disabled(t *testing.T) {
	if err := Init(context.Background(), entity.MetricsConfig{}, nil); err != nil {
		t.Errorf("Init() = %v", err)
	}
}
