// Binary ipsetgated runs the ipset/nftables kernel set-membership gateway
// as a standalone daemon: it reads the two configured set names and the
// tagged-address policy from flags (or their environment equivalents), opens
// the Session, and exposes Prometheus metrics while it waits to be driven.
//
// This binary is a thin demonstration harness; real callers are expected to
// import package gateway directly and call Test/Stage/Flush from their own
// address-processing loop.
package main

import (
	"bufio"
	"context"
	"flag"
	"log"
	"net"
	"os"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/ipset-gateway/gateway"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	setNameV4 = flag.String("set.v4", "", "IPv4 set name: a classic ipset name, or family@table@set for nftables")
	setNameV6 = flag.String("set.v6", "", "IPv6 set name: a classic ipset name, or family@table@set for nftables")
	addTagged = flag.Bool("add_tagged_addresses", false, "recorded in the session config (AddTaggedAddresses); this driver stages every input address alike, whatever the setting")
	promPort  = flag.String("prom", ":9090", "Prometheus metrics export address and port")
)

func main() {
	flag.Parse()
	flagx.ArgsFromEnv(flag.CommandLine)

	promSrv := prometheusx.MustStartPrometheus(*promPort)
	defer promSrv.Shutdown(context.Background())

	session, err := gateway.New(gateway.Config{
		SetNameV4:          *setNameV4,
		SetNameV6:          *setNameV6,
		AddTaggedAddresses: *addTagged,
	})
	rtx.Must(err, "could not open gateway session")
	defer session.Close()

	// Read one address per line from stdin, staging each, and flushing once
	// at EOF. This is a minimal driver loop; production deployments are
	// expected to supply their own address source.
	scanner := bufio.NewScanner(os.Stdin)
	staged := 0
	for scanner.Scan() {
		addr := net.ParseIP(scanner.Text())
		if addr == nil {
			log.Printf("ipsetgated: skipping invalid address %q", scanner.Text())
			continue
		}
		if session.Test(addr) {
			continue
		}
		if err := session.Stage(addr); err != nil {
			log.Printf("ipsetgated: stage %v: %v", addr, err)
			continue
		}
		staged++
	}
	rtx.Must(scanner.Err(), "error reading addresses from stdin")

	sent, errorsLogged := session.Flush()
	log.Printf("ipsetgated: staged %d addresses, flush sent %d, %d errors logged", staged, sent, errorsLogged)
}
