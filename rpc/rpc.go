package rpc

import (
	"context"
	"errors"
	"net"
	"net/rpc"
	"time"

	"github.com/wfunc/quizroom/logger"
	"github.com/wfunc/quizroom/models"
	"github.com/wfunc/quizroom/room"
)

const callTimeout = 10 * time.Second

// Server manages the RPC listener.
type Server struct {
	listener net.Listener
	server   *rpc.Server
	address  string
}

// NewServer listens on addr and registers the room service on a private rpc.Server.
func NewServer(addr string, service *RoomService) (*Server, error) {
	srv := rpc.NewServer()
	if err := srv.RegisterName("RoomService", service); err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		listener: listener,
		server:   srv,
		address:  listener.Addr().String(),
	}, nil
}

// Addr returns the bound address, useful when listening on port 0.
func (s *Server) Addr() string {
	return s.address
}

// Start begins listening for RPC requests.
func (s *Server) Start() {
	logger.Log.Infof("RPC server listening on %s", s.address)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				logger.Log.Info("RPC server listener closed.")
				return
			}
			logger.Log.Errorf("RPC server accept error: %v", err)
			continue
		}
		go s.server.ServeConn(conn)
	}
}

// Stop closes the RPC listener.
func (s *Server) Stop() {
	if s.listener != nil {
		logger.Log.Info("Stopping RPC server.")
		s.listener.Close()
	}
}

// Notifier is called with the room code after every successful mutation.
type Notifier func(ctx context.Context, code string)

// RoomService exposes the room engine over net/rpc.
type RoomService struct {
	engine *room.Engine
	notify Notifier
}

func NewRoomService(engine *room.Engine, notify Notifier) *RoomService {
	if notify == nil {
		notify = func(context.Context, string) {}
	}
	return &RoomService{engine: engine, notify: notify}
}

type CreateArgs struct {
	Code, UID, Name string
}

type JoinArgs struct {
	Code, UID, Name string
}

type StartArgs struct {
	Code string
}

type SubmitArgs struct {
	Code, UID, Name, Answer string
}

type PollArgs struct {
	Code string
}

type Ack struct {
	Success bool
}

type SubmitReply struct {
	Correct bool
	Points  int
}

type PollReply struct {
	Room models.Room
}

func (rs *RoomService) Create(args *CreateArgs, reply *Ack) error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	if err := rs.engine.Create(ctx, args.Code, args.UID, args.Name); err != nil {
		return err
	}
	rs.notify(ctx, args.Code)
	reply.Success = true
	return nil
}

func (rs *RoomService) Join(args *JoinArgs, reply *Ack) error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	if err := rs.engine.Join(ctx, args.Code, args.UID, args.Name); err != nil {
		return err
	}
	rs.notify(ctx, args.Code)
	reply.Success = true
	return nil
}

func (rs *RoomService) Start(args *StartArgs, reply *Ack) error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	if err := rs.engine.Start(ctx, args.Code); err != nil {
		return err
	}
	rs.notify(ctx, args.Code)
	reply.Success = true
	return nil
}

func (rs *RoomService) Submit(args *SubmitArgs, reply *SubmitReply) error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	res, err := rs.engine.Submit(ctx, args.Code, args.UID, args.Name, args.Answer)
	if err != nil {
		return err
	}
	if res.Correct {
		rs.notify(ctx, args.Code)
	}
	reply.Correct = res.Correct
	reply.Points = res.Points
	return nil
}

func (rs *RoomService) Poll(args *PollArgs, reply *PollReply) error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	rm, err := rs.engine.Poll(ctx, args.Code)
	if err != nil {
		return err
	}
	reply.Room = *rm
	return nil
}
