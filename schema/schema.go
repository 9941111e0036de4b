// Package schema loads declarative endpoint lists. A schema file names
// each endpoint, where it binds or connects, which messaging pattern it
// speaks and the topic patterns it serves:
//
//	endpoints:
//	  - name: resp
//	    addr: tcp://127.0.0.1:5555
//	    server: true
//	    pattern: rep
//	    mode: text
//	    topics: ["req/#"]
//
// Applying a schema constructs every endpoint through a transport
// provider and registers it with a node.
package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/glimte/tubes-go/transport"
)

// EndpointDecl is one declared endpoint.
type EndpointDecl struct {
	Name    string   `yaml:"name"`
	Addr    string   `yaml:"addr"`
	Server  bool     `yaml:"server"`
	Pattern string   `yaml:"pattern"`
	Mode    string   `yaml:"mode"`
	Topics  []string `yaml:"topics"`
}

// Schema is a parsed endpoint declaration file.
type Schema struct {
	Endpoints []EndpointDecl `yaml:"endpoints"`
}

// Node is the part of the tubes node a schema applies to.
type Node interface {
	NewEndpoint(cfg transport.Config) (transport.Endpoint, error)
}

// Parse parses and validates a schema document.
func Parse(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	if len(s.Endpoints) == 0 {
		return nil, fmt.Errorf("schema declares no endpoints")
	}
	for i, decl := range s.Endpoints {
		if _, err := decl.Config(); err != nil {
			return nil, fmt.Errorf("endpoint %d: %w", i, err)
		}
	}
	return &s, nil
}

// Load reads and parses a schema file.
func Load(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Config converts the declaration to a transport endpoint config.
func (d EndpointDecl) Config() (transport.Config, error) {
	var cfg transport.Config
	if d.Addr == "" {
		return cfg, fmt.Errorf("endpoint %q: the addr parameter is required", d.Name)
	}
	pattern, err := transport.ParsePattern(d.Pattern)
	if err != nil {
		return cfg, fmt.Errorf("endpoint %q: %w", d.Name, err)
	}
	mode, err := transport.ParseMode(d.Mode)
	if err != nil {
		return cfg, fmt.Errorf("endpoint %q: %w", d.Name, err)
	}
	role := transport.Client
	if d.Server {
		role = transport.Server
	}
	name := d.Name
	if name == "" {
		name = d.Addr
	}
	return transport.Config{
		Name:    name,
		Addr:    d.Addr,
		Pattern: pattern,
		Role:    role,
		Mode:    mode,
		Topics:  d.Topics,
	}, nil
}

// Apply creates every declared endpoint on the node, which also
// registers its topic patterns.
func (s *Schema) Apply(node Node) error {
	for _, decl := range s.Endpoints {
		cfg, err := decl.Config()
		if err != nil {
			return err
		}
		if _, err := node.NewEndpoint(cfg); err != nil {
			return err
		}
	}
	return nil
}
