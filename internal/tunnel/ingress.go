package tunnel

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const ingressFileName = "config.yml"

type ingressConfig struct {
	Tunnel          string        `yaml:"tunnel"`
	CredentialsFile string        `yaml:"credentials-file"`
	Ingress         []ingressRule `yaml:"ingress"`
}

type ingressRule struct {
	Hostname string `yaml:"hostname,omitempty"`
	Service  string `yaml:"service"`
}

func (c Config) credentialsPath() string {
	return filepath.Join(c.ConfigDir, c.TunnelID+".json")
}

func (c Config) ingressPath() string {
	return filepath.Join(c.ConfigDir, ingressFileName)
}

// renderIngressConfig maps every subdomain of the domain to the local proxy
// and answers anything else with 404.
func renderIngressConfig(c Config) ([]byte, error) {
	doc := ingressConfig{
		Tunnel:          c.TunnelID,
		CredentialsFile: c.credentialsPath(),
		Ingress: []ingressRule{
			{Hostname: "*." + c.Domain, Service: fmt.Sprintf("http://localhost:%d", c.ProxyPort)},
			{Service: "http_status:404"},
		},
	}
	return yaml.Marshal(doc)
}

func writeIngressConfig(c Config) (string, error) {
	if err := os.MkdirAll(c.ConfigDir, 0o700); err != nil {
		return "", err
	}
	data, err := renderIngressConfig(c)
	if err != nil {
		return "", err
	}
	path := c.ingressPath()
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
