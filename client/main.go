package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"

	"github.com/wfunc/quizroom/models"
	"github.com/wfunc/quizroom/network"
	"github.com/wfunc/quizroom/services"
	"github.com/wfunc/quizroom/state"
)

func main() {
	serverURL := pflag.StringP("server", "s", "http://localhost:8080", "quiz server base URL")
	code := pflag.StringP("code", "c", "", "room code")
	name := pflag.StringP("name", "n", "", "display name")
	uid := pflag.String("uid", uuid.NewString(), "player id")
	create := pflag.Bool("create", false, "create the room and become its host")
	pflag.Parse()

	if *code == "" || *name == "" {
		pflag.Usage()
		os.Exit(2)
	}

	api := newAPIClient(*serverURL)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if *create {
		if err := api.CreateRoom(ctx, *code, *uid, *name); err != nil {
			log.Fatalf("Create room failed: %v", err)
		}
		log.Printf("Created room %s", *code)
	} else {
		err := api.JoinRoom(ctx, *code, *uid, *name)
		if services.IsStatus(err, http.StatusNotFound) {
			log.Fatalf("Room %s does not exist", *code)
		}
		if err != nil {
			log.Fatalf("Join room failed: %v", err)
		}
		log.Printf("Joined room %s", *code)
	}
	cancel()

	watchURL, err := api.WatchURL(*code, *uid)
	if err != nil {
		log.Fatalf("Bad server URL: %v", err)
	}
	ws, _, err := websocket.DefaultDialer.Dial(watchURL, nil)
	if err != nil {
		log.Fatalf("Dial failed: %v", err)
	}
	conn := network.NewWSConnection(ws)
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		readLoop(conn, *uid, os.Stdout)
	}()

	go heartbeat(conn, 15*time.Second, done)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	fmt.Println("Type an answer and press Enter. /start starts a round, /status shows the board, /quit leaves.")
	for {
		select {
		case <-done:
			return
		case <-interrupt:
			log.Println("Interrupt received, closing connection.")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := handleLine(api, conn, *code, *uid, *name, strings.TrimSpace(line)); quit {
				return
			}
		}
	}
}

// handleLine 处理一行输入，返回 true 表示退出
func handleLine(api *apiClient, conn network.Connection, code, uid, name, line string) bool {
	switch line {
	case "":
		return false
	case "/quit":
		return true
	case "/start":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := api.StartRound(ctx, code); err != nil {
			log.Printf("Start failed: %v", err)
		}
		return false
	case "/status":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rm, err := api.GetRoom(ctx, code)
		if err != nil {
			log.Printf("Status failed: %v", err)
			return false
		}
		renderRoom(os.Stdout, rm, uid)
		return false
	}

	data, _ := json.Marshal(map[string]string{"name": name, "answer": line})
	if err := conn.Send(network.MsgTypeSubmitAnswer, data); err != nil {
		log.Printf("Send failed: %v", err)
		return true
	}
	return false
}

func heartbeat(conn network.Connection, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.Send(network.MsgTypeHeartbeat, nil); err != nil {
				return
			}
		}
	}
}

func readLoop(conn network.Connection, uid string, out io.Writer) {
	for {
		pkt, err := conn.ReadPacket()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Println("Read error:", err)
			}
			return
		}
		handlePacket(pkt, uid, out)
	}
}

func handlePacket(pkt *network.Packet, uid string, out io.Writer) {
	switch pkt.MsgID {
	case network.MsgTypeRoomState, network.MsgTypeRoundEnd:
		var rm models.Room
		if err := json.Unmarshal(pkt.Data, &rm); err != nil {
			log.Printf("Bad room packet: %v", err)
			return
		}
		renderRoom(out, &rm, uid)
	case network.MsgTypeSubmitAnswer:
		var res struct {
			Correct bool `json:"correct"`
			Points  int  `json:"points"`
		}
		if err := json.Unmarshal(pkt.Data, &res); err != nil {
			return
		}
		if res.Correct {
			fmt.Fprintf(out, "Benar! +%d\n", res.Points)
		} else {
			fmt.Fprintln(out, "Salah.")
		}
	case network.MsgTypeError:
		var e struct {
			Error string `json:"error"`
		}
		json.Unmarshal(pkt.Data, &e)
		fmt.Fprintf(out, "Error: %s\n", e.Error)
	}
}

// renderRoom 打印题目、答案板和排行榜
func renderRoom(out io.Writer, rm *models.Room, uid string) {
	fmt.Fprintf(out, "\n== Room %s [%s] ==\n", rm.Code, rm.Status)

	if q := rm.QuestionData; q != nil {
		fmt.Fprintf(out, "Q: %s\n", q.Question)
		for i, a := range q.Answers {
			if a.Revealed {
				finder := ""
				if a.Finder != nil {
					finder = *a.Finder
				}
				fmt.Fprintf(out, "  %d. %-20s %3d  (%s)\n", i+1, a.Text, a.Points, finder)
			} else {
				fmt.Fprintf(out, "  %d. %-20s %3d\n", i+1, strings.Repeat("_", len([]rune(a.Text))), a.Points)
			}
		}
		if rm.EndTime != nil && rm.Status == state.StatusPlaying {
			left := time.Until(rm.Deadline()).Round(time.Second)
			if left < 0 {
				left = 0
			}
			fmt.Fprintf(out, "Time left: %s\n", left)
		}
	} else {
		fmt.Fprintln(out, "Waiting for the host to start.")
	}

	players := append([]models.Player(nil), rm.Players...)
	sort.SliceStable(players, func(i, j int) bool { return players[i].Score > players[j].Score })
	for _, p := range players {
		marker := " "
		if p.UID == uid {
			marker = "*"
		}
		fmt.Fprintf(out, "%s %-16s %4d\n", marker, p.Name, p.Score)
	}
}
