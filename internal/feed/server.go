package feed

import (
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Wire names of the execution feed service.
const (
	ServiceName      = "meridian.feed.v1.ExecutionFeed"
	StreamEventsName = "StreamEvents"
	StreamEventsPath = "/" + ServiceName + "/" + StreamEventsName
)

// StreamEventsDesc describes the server-streaming StreamEvents method for
// both the server and clients.
var StreamEventsDesc = grpc.StreamDesc{
	StreamName:    StreamEventsName,
	ServerStreams: true,
}

// ExecutionFeedServer is the server API of the execution feed. Requests and
// events are google.protobuf.Struct messages; a request may carry a "symbol"
// field to filter the stream.
type ExecutionFeedServer interface {
	StreamEvents(req *structpb.Struct, stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ExecutionFeedServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    StreamEventsName,
		Handler:       streamEventsHandler,
		ServerStreams: true,
	}},
	Metadata: "meridian/feed/v1/feed.proto",
}

func streamEventsHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(ExecutionFeedServer).StreamEvents(req, stream)
}

// SnapshotFunc returns the events describing current state, sent to each
// client before live events.
type SnapshotFunc func() []Event

// Server implements the StreamEvents gRPC endpoint on top of a Hub.
type Server struct {
	hub      *Hub
	snapshot SnapshotFunc
	bufSize  int
	log      *slog.Logger
}

// NewServer creates a gRPC server streaming events from hub. snapshot may be
// nil.
func NewServer(hub *Hub, snapshot SnapshotFunc, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{hub: hub, snapshot: snapshot, bufSize: 1024, log: log}
}

// RegisterGRPC registers the server on the given gRPC server instance.
func (s *Server) RegisterGRPC(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

// StreamEvents sends a snapshot of current state, then streams new events as
// they are published. The stream ends when the client disconnects or the hub
// closes.
func (s *Server) StreamEvents(req *structpb.Struct, stream grpc.ServerStream) error {
	symbol := strings.ToUpper(req.GetFields()["symbol"].GetStringValue())

	// Subscribe before the snapshot so nothing published in between is lost.
	subID, ch := s.hub.Subscribe(s.bufSize)
	defer s.hub.Unsubscribe(subID)

	if s.snapshot != nil {
		for _, e := range s.snapshot() {
			if err := s.send(stream, e, symbol); err != nil {
				return err
			}
		}
	}

	s.log.Info("feed client subscribed", "subID", subID, "symbol", symbol)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("feed client disconnected", "subID", subID)
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if err := s.send(stream, e, symbol); err != nil {
				return err
			}
		}
	}
}

func (s *Server) send(stream grpc.ServerStream, e Event, symbol string) error {
	if symbol != "" && e.Symbol != symbol {
		return nil
	}
	msg, err := e.ToStruct()
	if err != nil {
		s.log.Warn("encoding feed event", "type", e.Type, "error", err)
		return nil
	}
	return stream.SendMsg(msg)
}
