package pcap

import (
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/skunkproxy/skunk/internal/errorsx"
	"github.com/skunkproxy/skunk/internal/logging"
)

// hostapdProcess manages an externally-spawned hostapd lifecycle for
// bringing up an access point on the captured interface before traffic
// arrives. The country code comes from the HOSTAPD_CC environment variable
// when set, else the apCountryCode argument.
type hostapdProcess struct {
	log  *logging.Logger
	cmd  *exec.Cmd
	once sync.Once
}

func startHostapd(iface, countryCode string) (*hostapdProcess, error) {
	if cc := os.Getenv("HOSTAPD_CC"); cc != "" {
		countryCode = cc
	}

	confPath, err := writeHostapdConf(iface, countryCode)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command("hostapd", confPath)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, errorsx.IO("hostapd.start", err)
	}

	return &hostapdProcess{log: logging.New("hostapd"), cmd: cmd}, nil
}

func writeHostapdConf(iface, countryCode string) (string, error) {
	f, err := os.CreateTemp("", "skunk-hostapd-*.conf")
	if err != nil {
		return "", errorsx.IO("hostapd.write_conf", err)
	}
	defer f.Close()

	conf := fmt.Sprintf("interface=%s\ndriver=nl80211\ncountry_code=%s\nssid=skunk\nhw_mode=g\nchannel=6\n", iface, countryCode)
	if _, err := f.WriteString(conf); err != nil {
		return "", errorsx.IO("hostapd.write_conf", err)
	}
	return f.Name(), nil
}

func (h *hostapdProcess) stop() {
	h.once.Do(func() {
		if h.cmd == nil || h.cmd.Process == nil {
			return
		}
		if err := h.cmd.Process.Kill(); err != nil {
			h.log.Warn("hostapd.stop", err)
			return
		}
		h.cmd.Wait()
	})
}
