package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	os.Clearenv()
	c := Load()
	if c.HTTPAddr != ":5004" {
		t.Errorf("HTTPAddr default: got %q", c.HTTPAddr)
	}
	if c.SessionMaxGlobal != 5 {
		t.Errorf("SessionMaxGlobal default: got %d", c.SessionMaxGlobal)
	}
	if c.SessionMaxPerChannel != 1 {
		t.Errorf("SessionMaxPerChannel default: got %d", c.SessionMaxPerChannel)
	}
	if !c.SSDPEnabled {
		t.Error("SSDPEnabled should default true")
	}
	if c.SessionIdleTimeout != 30*time.Second {
		t.Errorf("SessionIdleTimeout default: got %v", c.SessionIdleTimeout)
	}
	if c.EPGRetainDays != 3 {
		t.Errorf("EPGRetainDays default: got %d", c.EPGRetainDays)
	}
	if c.DefaultProfile != "direct" {
		t.Errorf("DefaultProfile default: got %q", c.DefaultProfile)
	}
}

func TestLoadOverrides(t *testing.T) {
	os.Clearenv()
	os.Setenv("PLEXBRIDGE_ADVERTISED_HOST", "192.168.1.10:5004")
	os.Setenv("PLEXBRIDGE_SSDP_ENABLED", "false")
	os.Setenv("PLEXBRIDGE_SESSION_MAX_GLOBAL", "12")
	os.Setenv("PLEXBRIDGE_SESSION_IDLE_TIMEOUT", "45s")
	os.Setenv("PLEXBRIDGE_EPG_RETAIN_DAYS", "7")
	c := Load()
	if c.AdvertisedHost != "192.168.1.10:5004" {
		t.Errorf("AdvertisedHost: got %q", c.AdvertisedHost)
	}
	if c.SSDPEnabled {
		t.Error("SSDPEnabled should be false")
	}
	if c.SessionMaxGlobal != 12 {
		t.Errorf("SessionMaxGlobal: got %d", c.SessionMaxGlobal)
	}
	if c.SessionIdleTimeout != 45*time.Second {
		t.Errorf("SessionIdleTimeout: got %v", c.SessionIdleTimeout)
	}
	if c.EPGRetainDays != 7 {
		t.Errorf("EPGRetainDays: got %d", c.EPGRetainDays)
	}
}

func TestAdvertisedBaseURL(t *testing.T) {
	os.Clearenv()
	c := Load()
	c.HTTPAddr = ":5004"
	if got := c.AdvertisedBaseURL(); got != "http://127.0.0.1:5004" {
		t.Errorf("AdvertisedBaseURL fallback: got %q", got)
	}
	c.AdvertisedHost = "tuner.local:5004"
	if got := c.AdvertisedBaseURL(); got != "http://tuner.local:5004" {
		t.Errorf("AdvertisedBaseURL explicit: got %q", got)
	}
	c.AdvertisedHost = "https://tuner.example.com"
	if got := c.AdvertisedBaseURL(); got != "https://tuner.example.com" {
		t.Errorf("AdvertisedBaseURL with scheme: got %q", got)
	}
}
