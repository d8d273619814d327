package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"bluetooth-xfer/internal/connmgr"
	"bluetooth-xfer/internal/peers"
	"bluetooth-xfer/internal/session"
)

func runDevices(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	m := connmgr.New(a.log)
	defer m.Close()

	list, err := peers.NewRegistry(m).ListBondedPeers(cmd.Context())
	if err != nil {
		return err
	}
	if a.json {
		return writeJSON(a.out, list)
	}
	printPeers(a, list)
	return nil
}

func printPeers(a *app, list []peers.PeerDevice) {
	if len(list) == 0 {
		fmt.Fprintln(a.out, "no bonded devices")
		return
	}
	for i, p := range list {
		name := p.DisplayName
		if name == "" {
			name = "(no name)"
		}
		fmt.Fprintf(a.out, "[%d] %s  %s\n", i, p.Address, name)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = a.cfg.Transfer.DownloadsDir
	}
	sess, err := a.newSession(a.bluez(), dir, a.cfg.Transfer.ReceiveOnConnect)
	if err != nil {
		return err
	}
	release := stopOnSignal(sess)
	defer release()
	defer sess.Stop()

	if err := sess.StartServer(cmd.Context()); err != nil {
		return err
	}
	a.log.Sugar().Infof("waiting for a connection (timeout=%s)", deadlineStr(a.timeout))

	ctx, cancel := a.waitContext(cmd.Context())
	defer cancel()
	if err := sess.AwaitConnection(ctx); err != nil {
		return err
	}
	job := sess.Job()
	if job == nil {
		if job, err = sess.Receive(); err != nil {
			return err
		}
	}
	snap, err := waitJob(job)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "saved %s (%s)\n", snap.Path, humanBytes(snap.BytesMoved))
	return nil
}

func runSend(cmd *cobra.Command, args []string) error {
	path := args[0]
	if st, err := os.Stat(path); err != nil {
		return err
	} else if st.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	sess, err := a.newSession(a.bluez(), a.cfg.Transfer.DownloadsDir, false)
	if err != nil {
		return err
	}
	release := stopOnSignal(sess)
	defer release()
	defer sess.Stop()

	list, err := sess.StartClient(cmd.Context())
	if err != nil {
		return err
	}
	to, _ := cmd.Flags().GetString("to")
	peer, err := choosePeer(cmd, a, list, to)
	if err != nil {
		return err
	}
	return connectAndSend(cmd.Context(), a, sess, peer, path)
}

// choosePeer resolves --to against the bonded list, or asks when it is empty.
// An address that is not bonded is passed through; connecting to it fails.
func choosePeer(cmd *cobra.Command, a *app, list []peers.PeerDevice, to string) (peers.PeerDevice, error) {
	if to != "" {
		for _, p := range list {
			if strings.EqualFold(p.Address, to) {
				return p, nil
			}
		}
		return peers.PeerDevice{Address: strings.ToUpper(to)}, nil
	}
	if len(list) == 0 {
		return peers.PeerDevice{}, errors.New("no bonded devices; pair one first or pass --to")
	}
	printPeers(a, list)
	fmt.Fprint(a.out, "Choose index: ")
	i, err := readIndex(cmd.InOrStdin(), a.out, len(list))
	if err != nil {
		return peers.PeerDevice{}, err
	}
	return list[i], nil
}

func connectAndSend(ctx context.Context, a *app, sess *session.Session, peer peers.PeerDevice, path string) error {
	if err := sess.Connect(peer); err != nil {
		return err
	}
	wctx, cancel := a.waitContext(ctx)
	defer cancel()
	if err := sess.AwaitConnection(wctx); err != nil {
		return err
	}
	job, err := sess.Send(path)
	if err != nil {
		return err
	}
	_, err = waitJob(job)
	return err
}

const (
	loopServer = "02:00:00:00:00:01"
	loopClient = "02:00:00:00:00:02"
)

func runLoopback(cmd *cobra.Command, args []string) error {
	path := args[0]
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		if dir, err = os.MkdirTemp("", "btxfer-loopback-"); err != nil {
			return err
		}
	}

	n := connmgr.NewMemNetwork()
	n.AddDevice(connmgr.Device{Address: loopServer, Name: "loopback-server"})
	n.AddDevice(connmgr.Device{Address: loopClient, Name: "loopback-client"})
	n.Pair(loopServer, loopClient)

	srv, err := a.newSession(n.Factory(loopServer), dir, true)
	if err != nil {
		return err
	}
	cli, err := a.newSession(n.Factory(loopClient), a.cfg.Transfer.DownloadsDir, false)
	if err != nil {
		return err
	}
	release := stopOnSignal(srv, cli)
	defer release()
	defer srv.Stop()
	defer cli.Stop()

	ctx := cmd.Context()
	if err := srv.StartServer(ctx); err != nil {
		return err
	}
	list, err := cli.StartClient(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return errors.New("loopback: server not bonded")
	}
	if err := connectAndSend(ctx, a, cli, list[0], path); err != nil {
		return err
	}
	if err := srv.AwaitConnection(ctx); err != nil {
		return err
	}
	snap, err := waitJob(srv.Job())
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "saved %s (%s)\n", snap.Path, humanBytes(snap.BytesMoved))
	return nil
}
