package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/inkwire/inkwire/canvas"
	"github.com/inkwire/inkwire/session"
)

const InkwireCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Inkwire control.

Mints session tokens, drives the admin api of a running inkwired, and
converts session recordings into canvas files.

Usage:
    inkwirectl token --session=<session_id> --name=<name>
        [--op] [--ttl=<minutes>] [--secret=<secret>]
    inkwirectl admin-token [--ttl=<minutes>] [--secret=<secret>]
    inkwirectl create --url=<url> --admin_token=<admin_token>
        --title=<title> [--founder=<founder>]
    inkwirectl status --url=<url> --admin_token=<admin_token>
    inkwirectl sessions --url=<url> --admin_token=<admin_token>
    inkwirectl close --url=<url> --admin_token=<admin_token> --session=<session_id>
    inkwirectl kick --url=<url> --admin_token=<admin_token>
        --session=<session_id> --user=<context_id>
    inkwirectl bans --url=<url> --admin_token=<admin_token>
    inkwirectl ban --url=<url> --admin_token=<admin_token>
        --name=<name> [--reason=<reason>]
    inkwirectl unban --url=<url> --admin_token=<admin_token> --name=<name>
    inkwirectl convert <recording> <out>

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --url=<url>                  Base url of a running inkwired.
    --session=<session_id>
    --name=<name>
    --op                         Mint an operator token.
    --ttl=<minutes>              Token lifetime [default: 60].
    --secret=<secret>            Token signing secret. Prompted for if unset.
    --admin_token=<admin_token>  An admin api token.
    --title=<title>
    --founder=<founder>
    --user=<context_id>
    --reason=<reason>`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], InkwireCtlVersion)
	if err != nil {
		panic(err)
	}

	if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	} else if adminToken_, _ := opts.Bool("admin-token"); adminToken_ {
		adminToken(opts)
	} else if create_, _ := opts.Bool("create"); create_ {
		create(opts)
	} else if status_, _ := opts.Bool("status"); status_ {
		adminGet(opts, "/api/status")
	} else if sessions_, _ := opts.Bool("sessions"); sessions_ {
		adminGet(opts, "/api/sessions")
	} else if close_, _ := opts.Bool("close"); close_ {
		sessionId, _ := opts.String("--session")
		adminDelete(opts, "/api/sessions/"+sessionId)
	} else if kick_, _ := opts.Bool("kick"); kick_ {
		sessionId, _ := opts.String("--session")
		user, _ := opts.String("--user")
		adminDelete(opts, "/api/sessions/"+sessionId+"/users/"+user)
	} else if bans_, _ := opts.Bool("bans"); bans_ {
		adminGet(opts, "/api/bans")
	} else if ban_, _ := opts.Bool("ban"); ban_ {
		ban(opts)
	} else if unban_, _ := opts.Bool("unban"); unban_ {
		name, _ := opts.String("--name")
		adminDelete(opts, "/api/bans/"+name)
	} else if convert_, _ := opts.Bool("convert"); convert_ {
		convert(opts)
	}
}

func token(opts docopt.Opts) {
	sessionId, _ := opts.String("--session")
	name, _ := opts.String("--name")
	op, _ := opts.Bool("--op")
	ttlMinutes, _ := opts.Int("--ttl")

	auth := session.NewTokenAuth(requireSecret(opts))
	tokenString, err := auth.MintJoinToken(&session.JoinClaims{
		SessionId: sessionId,
		Name:      name,
		Operator:  op,
	}, time.Duration(ttlMinutes)*time.Minute)
	if err != nil {
		panic(err)
	}
	Out.Printf("%s\n", tokenString)
}

func adminToken(opts docopt.Opts) {
	ttlMinutes, _ := opts.Int("--ttl")

	auth := session.NewTokenAuth(requireSecret(opts))
	tokenString, err := auth.MintAdminToken("inkwirectl", time.Duration(ttlMinutes)*time.Minute)
	if err != nil {
		panic(err)
	}
	Out.Printf("%s\n", tokenString)
}

func create(opts docopt.Opts) {
	title, _ := opts.String("--title")

	var founder string
	if founderAny := opts["--founder"]; founderAny != nil {
		founder = founderAny.(string)
	}

	body, err := json.Marshal(map[string]string{
		"title":   title,
		"founder": founder,
	})
	if err != nil {
		panic(err)
	}
	adminRequest(opts, http.MethodPost, "/api/sessions", body)
}

func ban(opts docopt.Opts) {
	name, _ := opts.String("--name")

	var reason string
	if reasonAny := opts["--reason"]; reasonAny != nil {
		reason = reasonAny.(string)
	}

	body, err := json.Marshal(map[string]string{
		"name":   name,
		"reason": reason,
	})
	if err != nil {
		panic(err)
	}
	adminRequest(opts, http.MethodPost, "/api/bans", body)
}

func adminGet(opts docopt.Opts, path string) {
	adminRequest(opts, http.MethodGet, path, nil)
}

func adminDelete(opts docopt.Opts, path string) {
	adminRequest(opts, http.MethodDelete, path, nil)
}

func adminRequest(opts docopt.Opts, method string, path string, body []byte) {
	url, _ := opts.String("--url")
	adminToken, _ := opts.String("--admin_token")

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequest(method, url+path, reader)
	if err != nil {
		panic(err)
	}
	request.Header.Set("Authorization", "Bearer "+adminToken)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := http.DefaultClient.Do(request)
	if err != nil {
		panic(err)
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		panic(err)
	}
	if http.StatusBadRequest <= response.StatusCode {
		Err.Fatalf("%s: %s", response.Status, string(responseBody))
	}
	if 0 < len(responseBody) {
		Out.Printf("%s", string(responseBody))
	}
}

// convert replays a session recording and writes the final canvas in the
// format the output extension selects.
func convert(opts docopt.Opts) {
	recordingPath := opts["<recording>"].(string)
	outPath := opts["<out>"].(string)

	messages, header, err := session.ReadRecording(recordingPath)
	if err != nil {
		panic(err)
	}
	Out.Printf("%s: %d messages\n", header["session"], len(messages))

	engine := canvas.NewPaintEngineWithDefaults(0, 0, 0)
	for _, message := range messages {
		if rejection := engine.ApplyMessage(message); rejection != nil {
			Err.Printf("skip %s: %s", message.Type(), rejection)
		}
	}

	result, err := canvas.Save(outPath, engine.Snapshot())
	if result != canvas.SaveSuccess {
		if err != nil {
			Err.Fatalf("%s: %s", result, err)
		}
		Err.Fatalf("%s", result)
	}
	Out.Printf("wrote %s\n", outPath)
}

func requireSecret(opts docopt.Opts) []byte {
	if secretAny := opts["--secret"]; secretAny != nil {
		return []byte(secretAny.(string))
	}
	if secret := os.Getenv("INKWIRE_SECRET"); secret != "" {
		return []byte(secret)
	}
	fmt.Print("Enter token secret: ")
	secret, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		panic(err)
	}
	fmt.Printf("\n")
	return secret
}
