package main

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/CZERTAINLY/proofd/internal/api"
	"github.com/CZERTAINLY/proofd/internal/service"
)

var (
	flagServer     string
	flagPlayer     string
	flagScore      int64
	flagDifficulty int
	flagWait       bool
	flagPoll       time.Duration
	flagDefault    bool
)

func doSubmit(cmd *cobra.Command, _ []string) error {
	ctx := contextAttrs(cmd.Context(), "submit")
	client, err := api.NewClient(serverURL())
	if err != nil {
		return err
	}

	resp, err := client.Submit(ctx, service.SubmitRequest{
		SubmitterID: flagPlayer,
		Value:       flagScore,
		Tier:        flagDifficulty,
	})
	if err != nil {
		return err
	}
	if !flagWait {
		return printJSON(cmd, resp)
	}

	poll := flagPoll
	if poll <= 0 {
		t, err := config.Prover.Timeouts()
		if err != nil {
			return err
		}
		poll = t.Poll
	}
	job, err := client.Wait(ctx, resp.JobID, poll)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return printJSON(cmd, job)
}

func serverURL() string {
	if flagServer != "" {
		return flagServer
	}
	addr := config.Service.Addr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
