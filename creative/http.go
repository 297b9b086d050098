package creative

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/golang/protobuf/proto"
	"github.com/nukecoke1828/ponyca/log"
	"github.com/nukecoke1828/ponyca/world"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const defaultBasePath = "/_ponyca/chunks/"

// HTTPPool 通过 HTTP 提供世界中的区块，响应体是 protobuf 编码的 BytesValue。
// 请求路径格式：/_ponyca/chunks/<x>/<y>/<z>，坐标为区块坐标。
type HTTPPool struct {
	self     string
	basePath string
	world    *world.World
}

func NewHTTPPool(self string, w *world.World) *HTTPPool {
	return &HTTPPool{self: self, basePath: defaultBasePath, world: w}
}

// Log 带节点地址的日志
func (p *HTTPPool) Log(format string, v ...interface{}) {
	log.Infof("[Server %s] %s", p.self, fmt.Sprintf(format, v...))
}

// BasePath 返回 HTTPPool 处理的路径前缀
func (p *HTTPPool) BasePath() string { return p.basePath }

func (p *HTTPPool) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, p.basePath) {
		http.Error(w, "unexpected path: "+r.URL.Path, http.StatusNotFound)
		return
	}
	p.Log("%s %s", r.Method, r.URL.Path)

	id, err := parseChunkID(r.URL.Path[len(p.basePath):])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	chunk, err := p.world.Chunk(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	body, err := proto.Marshal(wrapperspb.Bytes(chunk))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(body)
}

// maxChunkCoord 是方块坐标（uint16）能落入的最大区块坐标
const maxChunkCoord = math.MaxUint16 / world.ChunkSize

// parseChunkID 解析 "x/y/z"，每个坐标在 [0, maxChunkCoord] 内
func parseChunkID(s string) (world.ChunkID, error) {
	var id world.ChunkID
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return id, fmt.Errorf("invalid path: expected format <x>/<y>/<z>")
	}
	for i, part := range parts {
		n, err := strconv.ParseUint(part, 10, 16)
		if err != nil || n > maxChunkCoord {
			return id, fmt.Errorf("invalid chunk coordinate %q", part)
		}
		id[i] = int(n)
	}
	return id, nil
}

// ChunkGetter 从远程节点获取区块
type ChunkGetter interface {
	GetChunk(ctx context.Context, id world.ChunkID) ([]byte, error)
}

type httpGetter struct {
	baseURL string
	client  *http.Client
}

var _ ChunkGetter = (*httpGetter)(nil)

// NewHTTPGetter 返回访问 HTTPPool 的 ChunkGetter，baseURL 形如 http://host:port/_ponyca/chunks/
func NewHTTPGetter(baseURL string) ChunkGetter {
	return &httpGetter{baseURL: baseURL, client: http.DefaultClient}
}

func (h *httpGetter) GetChunk(ctx context.Context, id world.ChunkID) ([]byte, error) {
	u := fmt.Sprintf("%v%v/%v/%v",
		h.baseURL,
		url.PathEscape(strconv.Itoa(id[0])),
		url.PathEscape(strconv.Itoa(id[1])),
		url.PathEscape(strconv.Itoa(id[2])),
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	res, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("creative: server returned: %v", res.Status)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("creative: reading response body: %v", err)
	}
	out := new(wrapperspb.BytesValue)
	if err = proto.Unmarshal(body, out); err != nil {
		return nil, fmt.Errorf("creative: decoding response body: %v", err)
	}
	return out.GetValue(), nil
}

// HTTPGenerator 返回一个从 ChunkGetter 获取区块并写入世界的生成器
func HTTPGenerator(g ChunkGetter) world.Generator {
	return func(ctx context.Context, w *world.World, id world.ChunkID) ([]byte, error) {
		chunk, err := g.GetChunk(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := w.SetChunk(id, chunk); err != nil {
			return nil, err
		}
		return chunk, nil
	}
}
