package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"

	"github.com/abihf/framewatch/config"
	"github.com/abihf/framewatch/history"
	"github.com/abihf/framewatch/protocol"
)

var (
	configPath = flag.String("config", config.DefaultPath, "configuration file")
	socket     = flag.String("socket", "", "status socket, defaults to the configured one")
	recent     = flag.Int("history", 0, "list that many recorded sessions instead of querying the running one")
)

func main() {
	flag.Parse()

	conf, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	if *recent > 0 {
		if err := listHistory(conf.HistoryDB, *recent); err != nil {
			log.Fatal(err)
		}
		return
	}

	addr := *socket
	if addr == "" {
		addr = conf.Socket
	}
	if addr == "" {
		addr = protocol.GetSockAddress()
	}

	conn, err := net.Dial("unix", addr)
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()

	if err := protocol.WriteStatusReq(conn, "framewatch-status"); err != nil {
		log.Fatal(err)
	}

	res, err := protocol.ReadRes(conn)
	if err != nil {
		log.Fatal(err)
	}
	if res.Status != protocol.StatusSuccess {
		log.Fatalf("Status error: %s", res.Error)
	}

	s := protocol.ToStatusRes(res)
	fmt.Printf("session  %s (%s)\n", s.Session, s.State)
	fmt.Printf("frames   %d at %.2f FPS\n", s.Frames, s.FPS)
	fmt.Printf("dark     %d\n", s.DarkFrames)
	fmt.Printf("map err  %d\n", s.MapFailures)
	if s.BlobFound {
		fmt.Printf("blob     (%d, %d)\n", s.BlobX, s.BlobY)
	} else {
		fmt.Println("blob     none")
	}
}

func listHistory(path string, limit int) error {
	if path == "" {
		return errors.New("Option history_db is not configured")
	}
	store, err := history.Open(path, nil)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.Recent(context.Background(), limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tCAMERA\tSTARTED\tFRAMES\tFPS\tDARK\tMAP ERR\tJITTER")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.2f\t%d\t%d\t%v\n",
			e.SessionID, e.Camera, e.Started.Format(time.RFC3339), e.Frames, e.FPS,
			e.DarkFrames, e.MapFailures, e.IntervalStdDev)
	}
	return w.Flush()
}
