package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/wfunc/quizroom/broadcast"
	"github.com/wfunc/quizroom/logger"
	"github.com/wfunc/quizroom/monitor"
	"github.com/wfunc/quizroom/network"
	"github.com/wfunc/quizroom/persistence"
	"github.com/wfunc/quizroom/room"
	quizrpc "github.com/wfunc/quizroom/rpc"
	"github.com/wfunc/quizroom/session"
	"github.com/wfunc/quizroom/timer"
)

const (
	defaultSweepInterval  = time.Second
	defaultWatchHeartbeat = 30 * time.Second
	requestTimeout        = 10 * time.Second
)

// Options 服务器监听地址与周期参数
type Options struct {
	HTTPAddress    string
	RPCAddress     string
	SweepInterval  time.Duration
	WatchHeartbeat time.Duration
}

// QuizServer HTTP/websocket 入口，业务规则全部在 room.Engine
type QuizServer struct {
	opts           Options
	engine         *room.Engine
	monitor        *monitor.Monitor
	upgrader       websocket.Upgrader
	sessionManager *session.Manager
	broadcaster    broadcast.Broadcaster
	timers         *timer.Manager
	httpServer     *http.Server
	rpcServer      *quizrpc.Server
	mutex          sync.Mutex
	shutdownOnce   sync.Once
	shutdownChan   chan struct{}
}

// NewQuizServer 创建服务器及其引擎，引擎事件总是上报到 mon
func NewQuizServer(opts Options, store persistence.Store, questions room.QuestionProvider, mon *monitor.Monitor, engineOpts ...room.Option) *QuizServer {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.WatchHeartbeat <= 0 {
		opts.WatchHeartbeat = defaultWatchHeartbeat
	}
	if mon == nil {
		mon = monitor.NewMonitor("quizroom")
	}
	engineOpts = append(engineOpts, room.WithObserver(mon))

	s := &QuizServer{
		opts:           opts,
		engine:         room.NewEngine(store, questions, engineOpts...),
		monitor:        mon,
		sessionManager: session.NewManager(),
		shutdownChan:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有跨域请求
			},
		},
	}
	s.broadcaster = broadcast.NewRoomBroadcaster(s.sessionManager)
	return s
}

// Router 返回全部 HTTP 路由
func (s *QuizServer) Router() http.Handler {
	mux := chi.NewRouter()

	mux.Use(cors.AllowAll().Handler)

	mux.Route("/rooms", func(r chi.Router) {
		r.Post("/", s.handleCreateRoom)
		r.Get("/{code}", s.handleGetRoom)
		r.Post("/{code}/players", s.handleJoinRoom)
		r.Post("/{code}/start", s.handleStartRound)
		r.Post("/{code}/answers", s.handleSubmitAnswer)
		r.Get("/{code}/ws", s.handleWatch)
	})

	mux.Get("/api/game", s.handleLegacyGame)
	mux.Post("/api/game", s.handleLegacyGame)

	mux.Handle("/metrics", s.monitor.Handler())
	mux.Get("/healthz", s.handleHealth)

	return mux
}

// Start 启动 RPC、过期扫描和 HTTP 服务，阻塞直到 HTTP 服务退出
func (s *QuizServer) Start() error {
	ln, err := net.Listen("tcp", s.opts.HTTPAddress)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve 在给定 listener 上提供服务
func (s *QuizServer) Serve(ln net.Listener) error {
	s.mutex.Lock()
	select {
	case <-s.shutdownChan:
		s.mutex.Unlock()
		ln.Close()
		return nil
	default:
	}

	if s.opts.RPCAddress != "" {
		rpcServer, err := quizrpc.NewServer(s.opts.RPCAddress, quizrpc.NewRoomService(s.engine, s.pushRoomState))
		if err != nil {
			s.mutex.Unlock()
			ln.Close()
			return err
		}
		s.rpcServer = rpcServer
		go rpcServer.Start()
	}

	s.timers = timer.NewManager()
	s.timers.Every(s.opts.SweepInterval, s.sweepExpiredRounds)
	s.timers.Every(s.opts.WatchHeartbeat, s.reapIdleWatchers)

	httpServer := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpServer
	s.mutex.Unlock()

	logger.Log.Infof("Quiz server listening on %s", ln.Addr())
	if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 停止接受请求，关闭所有观战连接
func (s *QuizServer) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.mutex.Lock()
		defer s.mutex.Unlock()

		close(s.shutdownChan)
		if s.timers != nil {
			s.timers.Stop()
		}
		if s.rpcServer != nil {
			s.rpcServer.Stop()
		}
		s.sessionManager.CloseAll()
		if s.httpServer != nil {
			err = s.httpServer.Shutdown(ctx)
		}
	})
	return err
}

// sweepExpiredRounds 定时任务: 结束所有过期的回合并通知观战者
func (s *QuizServer) sweepExpiredRounds() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.SweepInterval*5)
	defer cancel()

	ended, err := s.engine.EndExpiredRounds(ctx)
	if err != nil {
		logger.Log.Warnf("Sweeping expired rounds: %v", err)
	}
	for _, code := range ended {
		s.pushRoom(ctx, code, network.MsgTypeRoundEnd)
	}
}

// reapIdleWatchers 定时任务: 关闭两个心跳周期内没有发送任何数据的观战连接，
// 读循环随之退出并注销会话
func (s *QuizServer) reapIdleWatchers() {
	idle := s.sessionManager.IdleSince(time.Now().Add(-2 * s.opts.WatchHeartbeat))
	for _, sess := range idle {
		logger.Log.Infof("Closing idle watcher %s in room %s", sess.ID, sess.RoomCode)
		sess.Close()
	}
}

// pushRoomState 把最新房间快照推送给观战者
func (s *QuizServer) pushRoomState(ctx context.Context, code string) {
	s.pushRoom(ctx, code, network.MsgTypeRoomState)
}

func (s *QuizServer) pushRoom(ctx context.Context, code string, msgID uint16) {
	if len(s.sessionManager.ByRoom(code)) == 0 {
		return
	}
	rm, err := s.engine.Poll(ctx, code)
	if err != nil {
		logger.Log.Warnf("Failed to load room %s for broadcast: %v", code, err)
		return
	}
	if _, err := s.broadcaster.BroadcastJSON(code, msgID, rm); err != nil {
		logger.Log.Warnf("Failed to broadcast room %s: %v", code, err)
	}
}

func (s *QuizServer) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}
