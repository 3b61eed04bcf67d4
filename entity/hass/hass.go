package hass

// DiscoveryMessage is a Home Assistant device based discovery payload,
// published retained to {prefix}/device/{id}/config.
type DiscoveryMessage struct {
	Device     DeviceInfo           `json:"device"`
	Origin     OriginInfo           `json:"origin"`
	Components map[string]Component `json:"components"`
	QOS        int                  `json:"qos"`
}

type DeviceInfo struct {
	ConfigurationUrl string   `json:"configuration_url,omitempty"`
	Identifiers      []string `json:"identifiers"`
	Name             string   `json:"name"`
	Manufacturer     string   `json:"manufacturer"`
	Model            string   `json:"model"`
}

type OriginInfo struct {
	Name            string `json:"name"`
	SoftwareVersion string `json:"sw_version,omitempty"`
	SupportUrl      string `json:"support_url,omitempty"`
}

type Component struct {
	Key               string `json:"-"`
	Platform          string `json:"platform"`
	DeviceClass       string `json:"device_class,omitempty"`
	Name              string `json:"name,omitempty"`
	ObjectID          string `json:"object_id,omitempty"`
	StateClass        string `json:"state_class,omitempty"`
	UniqueID          string `json:"unique_id,omitempty"`
	UnitOfMeasurement string `json:"unit_of_measurement,omitempty"`
	StateTopic        string `json:"state_topic,omitempty"`
	EntityCategory    string `json:"entity_category,omitempty"`

	// switch
	CommandTopic string `json:"command_topic,omitempty"`
	PayloadOn    string `json:"payload_on,omitempty"`
	PayloadOff   string `json:"payload_off,omitempty"`
	StateOn      string `json:"state_on,omitempty"`
	StateOff     string `json:"state_off,omitempty"`
}
