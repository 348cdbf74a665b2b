package transmitter

import (
	"strings"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"dmxlightd/internal/logger"
)

// FTDI FT232R, the chip on the Enttec DMX USB Pro.
const (
	enttecVendorID  = "0403"
	enttecProductID = "6001"
)

// serialOpener is the production port source: enumerates the OS serial
// ports and opens them with DMX line settings (250000 8N2).
type serialOpener struct {
	log logger.Logger
	// configured short-circuits detection when the operator pinned a
	// port in the config.
	configured string
}

func (o *serialOpener) Detect() (string, error) {
	if o.configured != "" {
		return o.configured, nil
	}

	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return "", err
	}

	var matches []string
	for _, p := range ports {
		if p.IsUSB && strings.EqualFold(p.VID, enttecVendorID) && strings.EqualFold(p.PID, enttecProductID) {
			matches = append(matches, p.Name)
		}
	}

	if len(matches) == 0 {
		for _, p := range ports {
			if strings.Contains(p.Name, "usbserial") {
				matches = append(matches, p.Name)
			}
		}
	}

	if len(matches) == 0 {
		return "", nil
	}
	if len(matches) > 1 {
		o.log.With(logger.Fields{"module": "transmitter"}).Warnf("%d candidate DMX ports found, using %s", len(matches), matches[0])
	}
	return matches[0], nil
}

func (o *serialOpener) Open(path string) (Port, error) {
	mode := &serial.Mode{
		BaudRate: 250000,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.TwoStopBits,
	}
	return serial.Open(path, mode)
}
