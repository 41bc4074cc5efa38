// Package provider holds the data types shared by the engine driver, broker
// client and control loop: the process-lifetime configuration and the
// ephemeral job records handed out by the broker.
package provider

import (
	"fmt"
	"time"

	"github.com/seekerror/stdlib/pkg/lang"
)

// SetOption is a single extra UCI option applied after handshake, as given
// repeatably on the command line.
type SetOption struct {
	Name, Value string
}

// Config is the provider's process-lifetime configuration. It is immutable
// once constructed by main.
type Config struct {
	// EngineCmd is the shell command line used to launch the engine.
	EngineCmd string
	// EngineName is the name registered with the broker.
	EngineName string
	// SiteURL is the base URL of the site API (engine registration).
	SiteURL string
	// BrokerURL is the base URL of the broker API (work acquisition/upload).
	BrokerURL string
	// Token is the bearer token used to authenticate with both APIs.
	Token string
	// FixedSecret is an operator-supplied provider secret. If unset, a fresh
	// random secret is generated at registration time.
	FixedSecret lang.Optional[string]
	// MaxThreads upper-bounds the threads value the broker will assign.
	MaxThreads int
	// MaxHash upper-bounds the hash (MiB) value the broker will assign.
	MaxHash int
	// KeepAlive is how long an idle engine is kept alive between jobs before
	// being terminated.
	KeepAlive time.Duration
	// ExtraOptions are applied, in order, after the mandatory handshake
	// options.
	ExtraOptions []SetOption
}

func (c Config) String() string {
	return fmt.Sprintf("{engine=%q, name=%q, broker=%v, maxThreads=%v, maxHash=%v, keepAlive=%v}",
		c.EngineCmd, c.EngineName, c.BrokerURL, c.MaxThreads, c.MaxHash, c.KeepAlive)
}
