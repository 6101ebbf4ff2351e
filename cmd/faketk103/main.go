package main

import (
	"flag"
	"fmt"
	"math"
	"net"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/tk103tracker/internal/gpsv2/device/tk103"
)

// faketk103 plays a tracker: it logs in, then reports a position moving
// north every interval, answering nothing but reading the server replies.

func ddm(v float64, degLen int) string {
	v = math.Abs(v)
	deg := math.Floor(v)
	return fmt.Sprintf("%0*d%07.4f", degLen, int(deg), (v-deg)*60)
}

func fixBody(now time.Time, lat, lon, speed float64) string {
	ns, ew := "N", "E"
	if lat < 0 {
		ns = "S"
	}
	if lon < 0 {
		ew = "W"
	}
	now = now.UTC()
	return fmt.Sprintf("%sA%s%s%s%s%05.1f%s%06.2f00000000L00000000",
		now.Format("060102"), ddm(lat, 2), ns, ddm(lon, 3), ew, speed, now.Format("150405"), 0.0)
}

func main() {
	addr := flag.String("addr", "localhost:4122", "server address")
	serial := flag.String("serial", "057045206556", "12 digit device serial")
	interval := flag.Duration("interval", 10*time.Second, "report interval")
	count := flag.Int("count", 30, "number of position reports")
	speed := flag.Float64("speed", 30, "reported speed in km/h")
	flag.Parse()

	logger := log.DefaultLogger
	logger.Context = log.NewContext(nil).Str("module", "faketk103").Str("sn", *serial).Value()

	c, err := net.Dial("tcp", *addr)
	if err != nil {
		logger.Fatal().Err(err).Msg("dial failed")
	}
	defer c.Close()
	go func() {
		b := make([]byte, 256)
		for {
			n, err := c.Read(b)
			if err != nil {
				logger.Info().Err(err).Msg("connection closed")
				return
			}
			logger.Info().Str("reply", string(b[:n])).Msg("reading")
		}
	}()

	lat, lon := 52.18157, 4.473405
	login := tk103.NewFrame(*serial, tk103.LOGIN, "000000000000000"+fixBody(time.Now(), lat, lon, 0))
	if _, err := c.Write(login); err != nil {
		logger.Fatal().Err(err).Msg("login failed")
	}
	for i := 0; i < *count; i++ {
		time.Sleep(*interval)
		lat += *speed * interval.Hours() / 111.0
		if _, err := c.Write(tk103.NewFrame(*serial, tk103.FEEDBACK, fixBody(time.Now(), lat, lon, *speed))); err != nil {
			logger.Fatal().Err(err).Msg("write failed")
		}
	}
}
