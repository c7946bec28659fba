package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ewhamarket/chatclient/internal/api"
	"github.com/ewhamarket/chatclient/internal/chat"
	"github.com/ewhamarket/chatclient/internal/identity"
	"github.com/ewhamarket/chatclient/internal/terminal"
)

var openCmd = &cobra.Command{
	Use:   "open",
	Short: "Open the chat for an item and talk from the terminal",
	Long: `Open the chat modal of an item page. Page data comes from flags;
--with and --chat mirror the page's query parameters. Lines typed are sent
as messages. Commands:

  /image <file>  attach an image to the next message
  /detach        remove the attached image
  /deal          request a deal (seller)
  /confirm       confirm the deal (reserved buyer)
  /refresh       re-fetch the deal state
  /close         close the chat and exit`,
	RunE: runOpen,
}

var pageFlags struct {
	user       string
	seller     string
	item       string
	with       string
	autoOpen   bool
	legacySold bool
}

func init() {
	addPageFlags(openCmd)
	openCmd.Flags().BoolVar(&pageFlags.autoOpen, "chat", false, "open as if arriving from a notification link (?chat=true)")
}

// addPageFlags registers the flags that stand in for page-embedded data.
func addPageFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&pageFlags.user, "user", "", "current user id (empty means logged out)")
	flags.StringVar(&pageFlags.seller, "seller", "", "seller id of the item")
	flags.StringVar(&pageFlags.item, "item", "", "item id")
	flags.StringVar(&pageFlags.with, "with", "", "counterpart id when the seller opens a chat (?with=)")
	flags.BoolVar(&pageFlags.legacySold, "legacy-sold", false, "page-level sold flag")
}

func pageFromFlags() (identity.Page, url.Values) {
	page := identity.Page{
		CurrentUserID: pageFlags.user,
		SellerID:      pageFlags.seller,
		ItemID:        pageFlags.item,
		LegacySold:    pageFlags.legacySold,
	}
	query := url.Values{}
	if pageFlags.with != "" {
		query.Set(identity.ParamWith, pageFlags.with)
	}
	if pageFlags.autoOpen {
		query.Set(identity.ParamChat, "true")
	}
	return page, query
}

func runOpen(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := newAPIClient(cfg)
	if err != nil {
		return err
	}
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Debug().Err(err).Msg("[chatclient] close store")
		}
	}()

	view := terminal.New(cmd.InOrStdin(), cmd.OutOrStdout())
	page, query := pageFromFlags()
	modal := chat.NewModal(chat.Config{
		Store:   st,
		Backend: client,
		View:    view,
		Page:    page,
		Query:   query,
	})
	defer modal.Close()

	opened, err := modal.AutoOpen(ctx)
	if !opened {
		err = modal.Open(ctx)
	}
	if err != nil {
		return err
	}

	lines := view.Lines()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, modal, cmd.OutOrStdout(), line); quit {
				return nil
			}
		}
	}
}

// parseCommand splits a "/name arg" line. Lines without a leading slash are
// messages and yield an empty name.
func parseCommand(line string) (name, arg string) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return "", ""
	}
	name, arg, _ = strings.Cut(line[1:], " ")
	return strings.ToLower(name), strings.TrimSpace(arg)
}

// handleLine runs one line of input against the modal and reports whether
// the chat should close. Failures are already surfaced by the view.
func handleLine(ctx context.Context, modal *chat.Modal, out io.Writer, line string) bool {
	name, arg := parseCommand(line)
	var err error
	switch name {
	case "":
		if err = modal.Input(line); err == nil {
			err = modal.Send(ctx)
		}
	case "close", "quit":
		return true
	case "image":
		img, loadErr := loadImage(arg)
		if loadErr != nil {
			fmt.Fprintf(out, "! %v\n", loadErr)
			return false
		}
		err = modal.Attach(img)
	case "detach":
		err = modal.Detach()
	case "deal":
		err = modal.RequestDeal(ctx)
	case "confirm":
		err = modal.ConfirmDeal(ctx)
	case "refresh":
		err = modal.RefreshTransaction(ctx)
	default:
		fmt.Fprintf(out, "unknown command /%s\n", name)
	}

	if errors.Is(err, chat.ErrClosed) {
		return true
	}
	if errors.Is(err, chat.ErrComposerHidden) {
		fmt.Fprintln(out, "! messaging is closed for this item, message not sent")
		return false
	}
	if err != nil {
		log.Debug().Err(err).Str("command", name).Msg("[chatclient] command failed")
	}
	return false
}

func loadImage(path string) (api.Image, error) {
	if path == "" {
		return api.Image{}, errors.New("usage: /image <file>")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return api.Image{}, fmt.Errorf("read image: %w", err)
	}
	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(contentType, "image/") {
		return api.Image{}, fmt.Errorf("%s is not an image (%s)", filepath.Base(path), contentType)
	}
	return api.Image{Filename: filepath.Base(path), ContentType: contentType, Data: data}, nil
}
