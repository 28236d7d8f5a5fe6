package broadcast

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"arucam/pkg/log"

	"github.com/disintegration/imaging"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

const (
	// Boundary separates the parts of the MJPEG stream
	Boundary = "frame"

	defaultJPEGQuality  = 90
	defaultPollInterval = 10 * time.Millisecond
	defaultStaleAfter   = 11 * time.Second
	maxThumbnailWidth   = 4096
	shutdownTimeout     = 5 * time.Second
)

var errStreamClosed = errors.New("broadcast: stream closed")

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>body{margin:0;background:#111;color:#ddd;font-family:sans-serif;text-align:center}img{max-width:100%}</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p>overlay: {{.Mode}}</p>
<img src="/video_feed" alt="live stream">
</body>
</html>
`))

type ServerOption func(*Server) error

// frameStore is the read side of a Publisher
type frameStore interface {
	Latest() (gocv.Mat, uint64, bool)
	Snapshot() (gocv.Mat, bool)
	Sequence() uint64
	LastUpdate() time.Time
}

// Server serves the publisher's frames over HTTP
type Server struct {
	app          *fiber.App
	publisher    frameStore
	log          *logrus.Logger
	title        string
	mode         string
	quality      int
	pollInterval time.Duration
	staleAfter   time.Duration

	viewers atomic.Int64
	done    chan struct{}
	once    sync.Once
}

// NewServer builds the fiber app and registers the routes
func NewServer(publisher *Publisher, options ...ServerOption) (*Server, error) {
	if publisher == nil {
		return nil, fmt.Errorf("broadcast: publisher is required")
	}
	s := &Server{
		publisher:    publisher,
		title:        "arucam",
		mode:         "axis",
		quality:      defaultJPEGQuality,
		pollInterval: defaultPollInterval,
		staleAfter:   defaultStaleAfter,
		done:         make(chan struct{}),
	}
	for _, option := range options {
		if err := option(s); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	if s.log == nil {
		s.log = log.Logger()
	}

	s.app = newFiber(s.title)
	s.app.Use(requestID(), requestLogger())
	s.app.Get("/", s.index)
	s.app.Get("/video_feed", s.videoFeed)
	s.app.Get("/snapshot.jpg", s.snapshot)
	s.app.Get("/healthz", s.healthz)
	return s, nil
}

func newFiber(name string) *fiber.App {
	return fiber.New(fiber.Config{
		AppName:               name,
		DisableStartupMessage: true,
		StrictRouting:         true,
		CaseSensitive:         true,
		JSONEncoder:           jsoniter.Marshal,
		JSONDecoder:           jsoniter.Unmarshal,
	})
}

func WithLogger(logger *logrus.Logger) ServerOption {
	return func(s *Server) error {
		s.log = logger
		return nil
	}
}

func WithTitle(title string) ServerOption {
	return func(s *Server) error {
		s.title = title
		return nil
	}
}

// WithMode sets the overlay mode shown on the index page
func WithMode(mode string) ServerOption {
	return func(s *Server) error {
		s.mode = mode
		return nil
	}
}

func WithJPEGQuality(quality int) ServerOption {
	return func(s *Server) error {
		if quality < 1 || quality > 100 {
			return fmt.Errorf("jpeg quality must be in 1..100, got %d", quality)
		}
		s.quality = quality
		return nil
	}
}

// WithPollInterval sets how often streams check for a new frame
func WithPollInterval(d time.Duration) ServerOption {
	return func(s *Server) error {
		if d <= 0 {
			return fmt.Errorf("poll interval must be positive, got %v", d)
		}
		s.pollInterval = d
		return nil
	}
}

// WithStaleAfter sets the frame age after which /healthz reports stale
func WithStaleAfter(d time.Duration) ServerOption {
	return func(s *Server) error {
		if d <= 0 {
			return fmt.Errorf("stale timeout must be positive, got %v", d)
		}
		s.staleAfter = d
		return nil
	}
}

// App exposes the fiber app, mainly for tests
func (s *Server) App() *fiber.App {
	return s.app
}

// Viewers returns the number of open MJPEG streams
func (s *Server) Viewers() int64 {
	return s.viewers.Load()
}

// Listen blocks serving addr until Shutdown
func (s *Server) Listen(addr string) error {
	s.log.WithField("addr", addr).Info("[broadcast.Listen] serving MJPEG stream")
	return s.app.Listen(addr)
}

// Shutdown ends every open stream and stops the listener
func (s *Server) Shutdown() error {
	s.once.Do(func() { close(s.done) })
	return s.app.ShutdownWithTimeout(shutdownTimeout)
}

func (s *Server) index(c *fiber.Ctx) error {
	var buf bytes.Buffer
	if err := indexTemplate.Execute(&buf, struct{ Title, Mode string }{s.title, s.mode}); err != nil {
		return fmt.Errorf("broadcast: render index: %w", err)
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	return c.Send(buf.Bytes())
}

func (s *Server) videoFeed(c *fiber.Ctx) error {
	viewerID := uuid.NewString()
	c.Set(fiber.HeaderContentType, "multipart/x-mixed-replace; boundary="+Boundary)
	c.Set(fiber.HeaderCacheControl, "no-cache, no-store, must-revalidate")
	c.Set(fiber.HeaderConnection, "close")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		fields := log.Fields{"viewer_id": viewerID}
		n := s.viewers.Add(1)
		s.log.WithFields(fields).WithField("viewers", n).Info("[broadcast.videoFeed] viewer connected")

		sent, err := s.stream(w)
		n = s.viewers.Add(-1)
		fields["frames"] = sent
		fields["viewers"] = n
		if err != nil && !errors.Is(err, errStreamClosed) {
			fields["error"] = err.Error()
		}
		s.log.WithFields(fields).Info("[broadcast.videoFeed] viewer disconnected")
	})
	return nil
}

// stream writes multipart JPEG parts until the client goes away or the
// server shuts down. Each published frame is sent at most once.
func (s *Server) stream(w *bufio.Writer) (int, error) {
	var last uint64
	sent := 0
	for {
		select {
		case <-s.done:
			return sent, errStreamClosed
		default:
		}

		// only copy the frame once the sequence has moved
		if s.publisher.Sequence() == last {
			time.Sleep(s.pollInterval)
			continue
		}
		frame, seq, ok := s.publisher.Latest()
		if !ok {
			time.Sleep(s.pollInterval)
			continue
		}
		last = seq

		b, err := encodeJPEG(frame, s.quality)
		frame.Close()
		if err != nil {
			log.ErrorWithTraceID(log.Fields{"error": err.Error()}, "[broadcast.stream] jpeg encode failed")
			continue
		}
		if err := writePart(w, b); err != nil {
			return sent, err
		}
		sent++
	}
}

func writePart(w *bufio.Writer, jpeg []byte) error {
	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", Boundary, len(jpeg)); err != nil {
		return err
	}
	if _, err := w.Write(jpeg); err != nil {
		return err
	}
	if _, err := w.WriteString("\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func (s *Server) snapshot(c *fiber.Ctx) error {
	width := 0
	if raw := c.Query("width"); raw != "" {
		w, err := strconv.Atoi(raw)
		if err != nil || w <= 0 || w > maxThumbnailWidth {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": fmt.Sprintf("width must be an integer in 1..%d", maxThumbnailWidth),
			})
		}
		width = w
	}

	frame, ok := s.publisher.Snapshot()
	if !ok {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "no frame published yet"})
	}
	defer frame.Close()

	var (
		b   []byte
		err error
	)
	if width > 0 {
		b, err = encodeThumbnail(frame, width, s.quality)
	} else {
		b, err = encodeJPEG(frame, s.quality)
	}
	if err != nil {
		traceID := log.ErrorWithTraceID(log.Fields{"error": err.Error()}, "[broadcast.snapshot] encode failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "encode failed", "trace_id": traceID})
	}
	c.Set(fiber.HeaderContentType, "image/jpeg")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	return c.Send(b)
}

func (s *Server) healthz(c *fiber.Ctx) error {
	seq := s.publisher.Sequence()
	body := fiber.Map{
		"frames":  seq,
		"viewers": s.viewers.Load(),
	}
	if seq == 0 {
		body["status"] = "waiting"
		return c.Status(fiber.StatusServiceUnavailable).JSON(body)
	}

	age := time.Since(s.publisher.LastUpdate())
	body["age_ms"] = age.Milliseconds()
	if age > s.staleAfter {
		body["status"] = "stale"
		return c.Status(fiber.StatusServiceUnavailable).JSON(body)
	}
	body["status"] = "ok"
	return c.JSON(body)
}

func encodeJPEG(frame gocv.Mat, quality int) ([]byte, error) {
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, frame, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, fmt.Errorf("broadcast: jpeg encode: %w", err)
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}

func encodeThumbnail(frame gocv.Mat, width, quality int) ([]byte, error) {
	img, err := frame.ToImage()
	if err != nil {
		return nil, fmt.Errorf("broadcast: frame to image: %w", err)
	}
	thumb := imaging.Resize(img, width, 0, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("broadcast: thumbnail encode: %w", err)
	}
	return buf.Bytes(), nil
}
