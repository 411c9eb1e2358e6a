// Package config provides configuration management for gantry.
//
// This package implements a simple configuration system that loads
// configuration from a single directory. The default configuration directory
// is ~/.config/gantry, but users can specify a custom directory using the
// --config-path flag.
//
// # Configuration Directory
//
// Configuration is loaded from a single directory containing config.yaml.
// A missing file is not an error: the built-in defaults apply. A present
// file is overlaid on the defaults, so partial files are fine. Unknown keys
// are rejected so that typos fail loudly instead of silently being ignored.
//
// # Configuration Structure
//
// The configuration file uses YAML format with the following main sections:
//
//	endpoint:
//	  host: "localhost"                # host to bind to (default: localhost)
//	  port: 8090                       # listen port (default: 8090)
//	  transport: "streamable-http"     # streamable-http, sse, or stdio
//
//	upstreams:
//	  - name: "github"
//	    command: "github-mcp-server"   # stdio transport inferred from command
//	    env:
//	      GITHUB_TOKEN: "${GITHUB_TOKEN}"
//	  - name: "search"
//	    url: "http://localhost:9001/mcp"
//	    idle_timeout: 5m               # negative disables idle shutdown
//
//	search:
//	  weights:                         # renormalized to sum to 1
//	    similarity: 0.6
//	    relatedness: 0.25
//	    priority: 0.15
//
// See the field documentation on Config and its subtypes for the full set
// of options, including the graph, engine, sandbox, speculation, and
// embedding sections.
//
// # Hot Reload
//
// Watcher monitors config.yaml via fsnotify (with a polling fallback) and
// invokes a callback after a short debounce. Callers decide which changes
// are safe to apply at runtime; gantry reloads upstream definitions and
// logging levels without a restart.
//
// # Usage Examples
//
//	// Load configuration from the default location
//	cfg, err := config.LoadConfig(config.GetDefaultConfigPathOrPanic())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Access endpoint configuration
//	fmt.Printf("Gateway listening on %s:%d\n", cfg.Endpoint.Host, cfg.Endpoint.Port)
package config
