package router

import (
	"fmt"
	"html/template"
	"net/http"
	"sort"
)

// DebugPath 是调试页面的默认挂载路径
const DebugPath = "/debug/ponyca"

const debugText = `<html>
	<body>
	<title>Ponyca Callbacks</title>
	{{range .}}
	<hr>
	Callback {{.Name}}
	<hr>
		<table>
		<th align=center>Handler</th><th align=center>Calls</th>
		{{range $name, $h := .Handler}}
			<tr>
			<td align=left font=fixed>On{{$name}}(Endpoint, *Message){{if $h.ReturnsError}} error{{end}}</td>
			<td align=center>{{$h.NumCalls}}</td>
			</tr>
		{{end}}
		</table>
	{{end}}
	</body>
	</html>`

// 预编译模板
var debug = template.Must(template.New("Ponyca Debug").Parse(debugText))

type debugHTTP struct {
	*Router
}

type debugCallback struct {
	Name    string
	Handler map[string]*handlerType
}

func (h *handlerType) ReturnsError() bool { return h.returnErr }

// DebugHandler 返回展示各回调处理函数调用次数的页面
func DebugHandler(r *Router) http.Handler {
	return debugHTTP{r}
}

func (s debugHTTP) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var callbacks []debugCallback
	for _, c := range s.snapshot() { // 遍历回调列表
		callbacks = append(callbacks, debugCallback{Name: c.name, Handler: c.handler})
	}
	sort.SliceStable(callbacks, func(i, j int) bool { return callbacks[i].Name < callbacks[j].Name })
	err := debug.Execute(w, callbacks) // 渲染模板，并写入响应
	if err != nil {
		_, _ = fmt.Fprintln(w, "router: error executing template:", err.Error())
	}
}
