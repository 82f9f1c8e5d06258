package main

import (
	"fmt"
	"time"

	"github.com/anacrolix/torrent/tracker"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/chihaya/warden/bittorrent"
	"github.com/chihaya/warden/pkg/log"
)

// EndToEndRunCmdFunc implements a Cobra command that runs the end-to-end test
// suite against a running tracker.
//
// It needs two credentials of different users that are both valid for the
// same registered torrent.
func EndToEndRunCmdFunc(cmd *cobra.Command, args []string) error {
	delay, err := cmd.Flags().GetDuration("delay")
	if err != nil {
		return err
	}

	first, err := cmd.Flags().GetString("first")
	if err != nil {
		return err
	}
	second, err := cmd.Flags().GetString("second")
	if err != nil {
		return err
	}
	if first == "" || second == "" {
		return errors.New("both --first and --second announce URLs are required")
	}

	rawIH, err := cmd.Flags().GetString("infohash")
	if err != nil {
		return err
	}
	ih, err := bittorrent.InfoHashFromHex(rawIH)
	if err != nil {
		return errors.Wrap(err, "invalid --infohash")
	}

	log.Info("testing HTTP...", log.Fields{"infoHash": ih})
	if err := testWithInfohash(ih, first, second, delay); err != nil {
		return err
	}
	log.Info("success")

	return nil
}

func testWithInfohash(infoHash bittorrent.InfoHash, firstURL, secondURL string, delay time.Duration) error {
	req := tracker.AnnounceRequest{
		InfoHash:   infoHash,
		PeerId:     [20]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20},
		Downloaded: 50,
		Left:       100,
		Uploaded:   50,
		Event:      tracker.Started,
		IPAddress:  uint32(50<<24 | 10<<16 | 12<<8 | 1),
		NumWant:    50,
		Port:       10001,
	}

	resp, err := tracker.Announce{
		TrackerUrl: firstURL,
		Request:    req,
		UserAgent:  "warden-e2e",
	}.Do()
	if err != nil {
		return errors.Wrap(err, "first announce failed")
	}

	// A user never receives their own peer.
	if len(resp.Peers) != 0 {
		return fmt.Errorf("expected no peers, got %d", len(resp.Peers))
	}

	time.Sleep(delay)

	req = tracker.AnnounceRequest{
		InfoHash:   infoHash,
		PeerId:     [20]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 21},
		Downloaded: 50,
		Left:       100,
		Uploaded:   50,
		Event:      tracker.Started,
		IPAddress:  uint32(50<<24 | 10<<16 | 12<<8 | 2),
		NumWant:    50,
		Port:       10002,
	}

	resp, err = tracker.Announce{
		TrackerUrl: secondURL,
		Request:    req,
		UserAgent:  "warden-e2e",
	}.Do()
	if err != nil {
		return errors.Wrap(err, "second announce failed")
	}

	if len(resp.Peers) != 1 {
		return fmt.Errorf("expected 1 peer, got %d", len(resp.Peers))
	}

	if resp.Peers[0].Port != 10001 {
		return fmt.Errorf("expected port 10001, got %d", resp.Peers[0].Port)
	}

	return nil
}
