// civkit-cli is a thin operator tool for civkitd's Admin Facade: every
// subcommand dials the relay's gRPC listener and invokes exactly one RPC.
// Named an external collaborator, not a core component (spec.md §1).
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli"
	"google.golang.org/grpc"

	"github.com/civkit/civkitd/adminrpc/civkitrpc"
)

func getClient(ctx *cli.Context) (civkitrpc.CivkitClient, func(), error) {
	conn, err := grpc.Dial(ctx.GlobalString("rpcserver"), grpc.WithInsecure())
	if err != nil {
		return nil, nil, fmt.Errorf("unable to connect to civkitd: %w", err)
	}
	return civkitrpc.NewCivkitClient(conn), func() { conn.Close() }, nil
}

func callCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

var pingCommand = cli.Command{
	Name:  "ping",
	Usage: "check that civkitd is alive",
	Action: func(ctx *cli.Context) error {
		client, cleanup, err := getClient(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		cctx, cancel := callCtx()
		defer cancel()
		resp, err := client.Ping(cctx, &civkitrpc.PingRequest{})
		if err != nil {
			return err
		}
		fmt.Println(resp.Message)
		return nil
	},
}

var shutdownCommand = cli.Command{
	Name:  "shutdown",
	Usage: "request a graceful civkitd shutdown",
	Action: func(ctx *cli.Context) error {
		client, cleanup, err := getClient(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		cctx, cancel := callCtx()
		defer cancel()
		_, err = client.Shutdown(cctx, &civkitrpc.ShutdownRequest{})
		return err
	},
}

var publishNoteCommand = cli.Command{
	Name:      "publishnote",
	Usage:     "publish a text note event",
	ArgsUsage: "content",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return cli.ShowCommandHelp(ctx, "publishnote")
		}
		client, cleanup, err := getClient(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		cctx, cancel := callCtx()
		defer cancel()
		resp, err := client.PublishTextNote(cctx, &civkitrpc.PublishTextNoteRequest{
			Content: ctx.Args().Get(0),
		})
		if err != nil {
			return err
		}
		fmt.Println(resp.EventId)
		return nil
	},
}

var listClientsCommand = cli.Command{
	Name:  "listclients",
	Usage: "list currently connected clients",
	Action: func(ctx *cli.Context) error {
		client, cleanup, err := getClient(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		cctx, cancel := callCtx()
		defer cancel()
		resp, err := client.ListClients(cctx, &civkitrpc.ListClientsRequest{})
		if err != nil {
			return err
		}
		for _, c := range resp.Clients {
			fmt.Printf("%d\t%s\t%s\n", c.ClientId, c.RemoteAddr, c.AuthorPubkey)
		}
		return nil
	},
}

var checkChainStateCommand = cli.Command{
	Name:  "checkchainstate",
	Usage: "query the chain oracle's view of the backing bitcoind",
	Action: func(ctx *cli.Context) error {
		client, cleanup, err := getClient(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		cctx, cancel := callCtx()
		defer cancel()
		resp, err := client.CheckChainState(cctx, &civkitrpc.CheckChainStateRequest{})
		if err != nil {
			return err
		}
		fmt.Println(resp.BlockchainInfoJson)
		return nil
	},
}

func main() {
	app := cli.NewApp()
	app.Name = "civkit-cli"
	app.Usage = "operator tool for civkitd's Admin Facade"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "rpcserver",
			Value: "localhost:10018",
			Usage: "host:port of civkitd's admin facade",
		},
	}
	app.Commands = []cli.Command{
		pingCommand,
		shutdownCommand,
		publishNoteCommand,
		listClientsCommand,
		checkChainStateCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "[civkit-cli] %v\n", err)
		os.Exit(1)
	}
}
