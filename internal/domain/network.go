package domain

// ConnectionType 当前活动网络类型
type ConnectionType string

const (
	ConnectionNone     ConnectionType = "NONE"
	ConnectionWiFi     ConnectionType = "WIFI"
	ConnectionCellular ConnectionType = "CELLULAR"
	ConnectionEthernet ConnectionType = "ETHERNET"
	ConnectionUnknown  ConnectionType = "UNKNOWN"
)

// ConnectionInfo 连接信息
type ConnectionInfo struct {
	Type      ConnectionType `json:"type" yaml:"type"`
	VPNActive bool           `json:"vpn_active" yaml:"vpn_active"`
}

// Connected 是否有可用网络
func (c ConnectionInfo) Connected() bool {
	return c.Type != ConnectionNone && c.Type != ""
}

// EncryptionType WiFi 加密类型
type EncryptionType string

const (
	EncryptionOpen    EncryptionType = "OPEN"
	EncryptionWEP     EncryptionType = "WEP"
	EncryptionWPA     EncryptionType = "WPA"
	EncryptionWPA2    EncryptionType = "WPA2"
	EncryptionWPA3    EncryptionType = "WPA3"
	EncryptionEAP     EncryptionType = "EAP"
	EncryptionOWE     EncryptionType = "OWE"
	EncryptionUnknown EncryptionType = "UNKNOWN"
)

// WiFiSecurity 当前 WiFi 安全信息
type WiFiSecurity struct {
	SSID           string         `json:"ssid" yaml:"ssid"`
	IsSecure       bool           `json:"is_secure" yaml:"is_secure"`
	EncryptionType EncryptionType `json:"encryption_type" yaml:"encryption_type"`
}

// ProxyConfig 系统 HTTP 代理
type ProxyConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// NetworkSummary 网络态势阶段明细
type NetworkSummary struct {
	Connection    ConnectionInfo `json:"connection"`
	Proxy         *ProxyConfig   `json:"proxy,omitempty"`
	WiFi          *WiFiSecurity  `json:"wifi,omitempty"`
	ProbedPorts   []int          `json:"probed_ports"`
	OpenPorts     []int          `json:"open_ports"`
	DNSServers    []string       `json:"dns_servers"`
	CaptivePortal bool           `json:"captive_portal"`
}
