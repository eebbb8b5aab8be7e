package config

import (
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pitabwire/frame/config"
)

// ClientConfig holds configuration for the veilmeet client service.
type ClientConfig struct {
	config.ConfigurationDefault
	MemberID                 string `envDefault:""                              env:"MEMBER_ID"`
	STUNServers              string `envDefault:"stun:stun.l.google.com:19302" env:"STUN_SERVERS"`
	TURNServers              string `envDefault:""                              env:"TURN_SERVERS"`
	TURNUsername             string `envDefault:""                              env:"TURN_USERNAME"`
	TURNPassword             string `envDefault:""                              env:"TURN_PASSWORD"`
	SignalQueueName          string `envDefault:"veilmeet.signal"               env:"SIGNAL_QUEUE_NAME"`
	SignalQueueURL           string `envDefault:"mem://veilmeet_signal"         env:"SIGNAL_QUEUE_URL"`
	AllowUnencryptedFallback bool   `envDefault:"false"                         env:"ALLOW_UNENCRYPTED_FALLBACK"`
	SlowFrameBudgetMs        int    `envDefault:"10"                            env:"SLOW_FRAME_BUDGET_MS"`
	PerfSampleWindow         int    `envDefault:"1000"                          env:"PERF_SAMPLE_WINDOW"`
}

// WebRTCConfig builds a webrtc.Configuration from the STUN/TURN settings.
func (c *ClientConfig) WebRTCConfig() webrtc.Configuration {
	return buildWebRTCConfig(c.STUNServers, c.TURNServers, c.TURNUsername, c.TURNPassword)
}

// SlowFrameBudget returns the per-frame transform budget above which a
// warning is logged.
func (c *ClientConfig) SlowFrameBudget() time.Duration {
	return time.Duration(c.SlowFrameBudgetMs) * time.Millisecond
}

// buildWebRTCConfig creates a webrtc.Configuration from STUN/TURN server strings.
func buildWebRTCConfig(stunServers, turnServers, turnUsername, turnPassword string) webrtc.Configuration {
	var iceServers []webrtc.ICEServer
	if stunServers != "" {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs: strings.Split(stunServers, ","),
		})
	}
	if turnServers != "" {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:           strings.Split(turnServers, ","),
			Username:       turnUsername,
			Credential:     turnPassword,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}
	return webrtc.Configuration{ICEServers: iceServers}
}
