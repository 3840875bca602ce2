package provisions

import (
	"fmt"
	"time"

	"github.com/openfroyo/froyo-acs/pkg/engine"
)

// Tags maintained by the builtin units.
const (
	TagRegistered      = "registered"
	TagNewDevice       = "new-device"
	TagLastBootstrap   = "last-bootstrap"
	TagSoftwareVersion = "software-version"
	TagExternalIP      = "external-ip"
)

// Bootstrap registers devices on first contact. The registered tag holds the
// time of the first contact; new-device is true only during the session in
// which the device registered.
func Bootstrap() engine.RuleUnit {
	return engine.NewRule("bootstrap", func(rc *engine.RuleContext) error {
		if rc.Contact().HasEvent("0 BOOTSTRAP") {
			if err := rc.SetTag(TagLastBootstrap, engine.DateTime(rc.Now())); err != nil {
				return err
			}
		}

		registered, ok, err := rc.Tag(TagRegistered)
		if err != nil {
			return err
		}
		if ok {
			at, _ := registered.Native().(time.Time)
			if !at.Before(rc.Now()) {
				return nil
			}
			isNew, ok, err := rc.Tag(TagNewDevice)
			if err != nil {
				return err
			}
			if b, _ := isNew.Native().(bool); ok && b {
				return rc.SetTag(TagNewDevice, engine.Bool(false))
			}
			return nil
		}

		if err := rc.SetTag(TagRegistered, engine.DateTime(rc.Now())); err != nil {
			return err
		}
		if err := rc.SetTag(TagNewDevice, engine.Bool(true)); err != nil {
			return err
		}
		device := rc.Device()
		rc.Log(engine.LogLevelInfo, "new device registered", map[string]interface{}{
			"manufacturer":  device.Manufacturer,
			"product_class": device.ProductClass,
			"serial":        device.SerialNumber,
		})
		return nil
	})
}

// PeriodicInform enables periodic inform at the given interval.
func PeriodicInform(interval time.Duration) engine.RuleUnit {
	return engine.NewRule("periodic-inform", func(rc *engine.RuleContext) error {
		seconds := uint64(interval / time.Second)
		if seconds == 0 {
			return engine.NewPermanentError(fmt.Sprintf("invalid inform interval %v", interval), nil).
				WithCode(engine.ErrCodeValidation)
		}
		model := rc.DataModel()
		if _, err := rc.Set(ManagementServerPath(model, "PeriodicInformEnable"), engine.Bool(true)); err != nil {
			return err
		}
		_, err := rc.Set(ManagementServerPath(model, "PeriodicInformInterval"), engine.Uint(seconds))
		return err
	})
}

// StatusRefresh reads the status parameters whenever the known values are
// older than maxAge and records the software version and external address
// as tags.
func StatusRefresh(maxAge time.Duration) engine.RuleUnit {
	return engine.NewRule("status-refresh", func(rc *engine.RuleContext) error {
		paths := StatusPathsFor(rc.DataModel())
		f := engine.MaxAge(maxAge)

		for _, p := range []string{paths.UpTime, paths.DHCPServerEnable} {
			if _, err := rc.Read(p, f); err != nil {
				return err
			}
		}

		tagged := []struct {
			path string
			tag  string
		}{
			{paths.SoftwareVersion, TagSoftwareVersion},
			{paths.ExternalIPAddress, TagExternalIP},
		}
		for _, t := range tagged {
			res, err := rc.Read(t.path, f)
			if err != nil {
				return err
			}
			v, ok := res.Value()
			if !ok {
				continue
			}
			if err := rc.SetTag(t.tag, engine.String(v.Raw)); err != nil {
				return err
			}
		}
		return nil
	})
}

// WiFiSettings is the desired state of a wireless network. Zero fields are
// left untouched.
type WiFiSettings struct {
	// Instance selects the network; 0 applies the settings to every instance.
	Instance   int
	SSID       string
	Passphrase string
	Enabled    *bool
	Channel    uint64
}

type setting struct {
	path  string
	value engine.Value
}

// WiFi applies wireless settings.
func WiFi(settings WiFiSettings) engine.RuleUnit {
	return engine.NewRule("wifi", func(rc *engine.RuleContext) error {
		paths := WiFiPathsFor(rc.DataModel())
		inst := instanceSegment(settings.Instance)

		var desired []setting
		add := func(pattern string, v engine.Value) {
			desired = append(desired, setting{path: fmt.Sprintf(pattern, inst), value: v})
		}

		if settings.Enabled != nil {
			add(paths.Enable, engine.Bool(*settings.Enabled))
		}
		if settings.SSID != "" {
			add(paths.SSID, engine.String(settings.SSID))
		}
		if settings.Passphrase != "" {
			add(paths.Passphrase, engine.String(settings.Passphrase))
		}
		if settings.Channel != 0 {
			add(paths.Channel, engine.Uint(settings.Channel))
		}

		for _, d := range desired {
			if _, err := rc.Set(d.path, d.value); err != nil {
				return err
			}
		}
		return nil
	})
}
