// Package template generates starter [[servers]] entries for common local
// development servers.
package template

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Kind names a known server template.
type Kind string

const (
	KindNginx      Kind = "nginx"
	KindApache     Kind = "apache"
	KindPHP        Kind = "php"
	KindMariaDB    Kind = "mariadb"
	KindMySQL      Kind = "mysql"
	KindPostgreSQL Kind = "postgresql"
	KindMongoDB    Kind = "mongodb"
	KindRedis      Kind = "redis"
	KindMemcached  Kind = "memcached"
)

var aliases = map[string]Kind{
	"httpd":    KindApache,
	"php-fpm":  KindPHP,
	"postgres": KindPostgreSQL,
	"pg":       KindPostgreSQL,
	"mongo":    KindMongoDB,
}

// ServerTemplate is a server entry ready to be pasted into a config file.
type ServerTemplate struct {
	Name           string   `json:"name" toml:"name"`
	Executable     string   `json:"executable" toml:"executable"`
	Args           []string `json:"args,omitempty" toml:"args,omitempty"`
	Ports          []int    `json:"ports,omitempty" toml:"ports,omitempty"`
	ReadyPattern   string   `json:"ready_pattern,omitempty" toml:"ready_pattern,omitempty"`
	StartupTimeout string   `json:"startup_timeout,omitempty" toml:"startup_timeout,omitempty"`
	StopSignal     string   `json:"stop_signal,omitempty" toml:"stop_signal,omitempty"`
	GracePeriod    string   `json:"grace_period,omitempty" toml:"grace_period,omitempty"`
	Weight         int      `json:"weight" toml:"weight"`
}

// Generator provides template generation functionality
type Generator struct {
	// DataDir is substituted for ${data} in arguments.
	DataDir string
}

func NewGenerator(dataDir string) *Generator {
	if dataDir == "" {
		dataDir = "./data"
	}
	return &Generator{DataDir: strings.TrimRight(dataDir, "/")}
}

func dur(d time.Duration) string { return d.String() }

// Databases and caches start first (weight 0), application runtimes next
// and front web servers last.
func (g *Generator) base(k Kind) (ServerTemplate, bool) {
	data := g.DataDir
	switch k {
	case KindNginx:
		return ServerTemplate{
			Executable: "nginx",
			Args:       []string{"-p", data + "/nginx", "-c", "nginx.conf", "-g", "daemon off;"},
			Ports:      []int{8080},
			StopSignal: "QUIT",
			Weight:     2,
		}, true
	case KindApache:
		return ServerTemplate{
			Executable: "httpd",
			Args:       []string{"-DFOREGROUND", "-f", data + "/apache/httpd.conf"},
			Ports:      []int{8080},
			Weight:     2,
		}, true
	case KindPHP:
		return ServerTemplate{
			Executable:   "php-fpm",
			Args:         []string{"--nodaemonize", "--fpm-config", data + "/php/php-fpm.conf"},
			Ports:        []int{9000},
			ReadyPattern: "ready to handle connections",
			StopSignal:   "QUIT",
			Weight:       1,
		}, true
	case KindMariaDB, KindMySQL:
		exe := "mariadbd"
		if k == KindMySQL {
			exe = "mysqld"
		}
		return ServerTemplate{
			Executable:     exe,
			Args:           []string{"--datadir=" + data + "/" + string(k), "--port=${port}", "--socket=" + data + "/" + string(k) + "/mysqld.sock"},
			Ports:          []int{3306},
			ReadyPattern:   "ready for connections",
			StartupTimeout: dur(30 * time.Second),
			GracePeriod:    dur(15 * time.Second),
		}, true
	case KindPostgreSQL:
		return ServerTemplate{
			Executable:     "postgres",
			Args:           []string{"-D", data + "/postgresql", "-p", "${port}"},
			Ports:          []int{5432},
			ReadyPattern:   "database system is ready to accept connections",
			StartupTimeout: dur(30 * time.Second),
			StopSignal:     "INT",
			GracePeriod:    dur(15 * time.Second),
		}, true
	case KindMongoDB:
		return ServerTemplate{
			Executable:     "mongod",
			Args:           []string{"--dbpath", data + "/mongodb", "--port", "${port}", "--bind_ip", "127.0.0.1"},
			Ports:          []int{27017},
			ReadyPattern:   "Waiting for connections",
			StartupTimeout: dur(30 * time.Second),
			GracePeriod:    dur(15 * time.Second),
		}, true
	case KindRedis:
		return ServerTemplate{
			Executable:   "redis-server",
			Args:         []string{"--port", "${port}", "--dir", data + "/redis"},
			Ports:        []int{6379},
			ReadyPattern: "Ready to accept connections",
		}, true
	case KindMemcached:
		return ServerTemplate{
			Executable: "memcached",
			Args:       []string{"-p", "${port}", "-l", "127.0.0.1"},
			Ports:      []int{11211},
		}, true
	}
	return ServerTemplate{}, false
}

// ParseKind resolves a template name or alias.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if k, ok := aliases[s]; ok {
		return k, nil
	}
	k := Kind(s)
	if _, ok := NewGenerator("").base(k); ok {
		return k, nil
	}
	return "", fmt.Errorf("unknown template %q (supported: %s)", s, strings.Join(SupportedKinds(), ", "))
}

// SupportedKinds lists every template name, sorted.
func SupportedKinds() []string {
	out := []string{
		string(KindNginx), string(KindApache), string(KindPHP), string(KindMariaDB),
		string(KindMySQL), string(KindPostgreSQL), string(KindMongoDB), string(KindRedis),
		string(KindMemcached),
	}
	sort.Strings(out)
	return out
}

// Generate returns the template for kind named name; an empty name uses the kind.
func (g *Generator) Generate(kind Kind, name string) (ServerTemplate, error) {
	t, ok := g.base(kind)
	if !ok {
		return ServerTemplate{}, fmt.Errorf("unknown template %q", kind)
	}
	if name == "" {
		name = string(kind)
	}
	t.Name = name
	return t, nil
}

// GenerateAll renders one template per kind, in the given order.
func (g *Generator) GenerateAll(kinds ...Kind) ([]ServerTemplate, error) {
	out := make([]ServerTemplate, 0, len(kinds))
	for _, k := range kinds {
		t, err := g.Generate(k, "")
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// TOML renders templates as [[servers]] tables.
func TOML(ts ...ServerTemplate) ([]byte, error) {
	b, err := toml.Marshal(struct {
		Servers []ServerTemplate `toml:"servers"`
	}{ts})
	if err != nil {
		return nil, fmt.Errorf("marshal template: %w", err)
	}
	return b, nil
}

// JSON renders templates as an indented JSON array.
func JSON(ts ...ServerTemplate) ([]byte, error) {
	b, err := json.MarshalIndent(ts, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal template: %w", err)
	}
	return b, nil
}
