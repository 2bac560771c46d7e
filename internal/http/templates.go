package http

import (
	"embed"
	"html/template"

	"github.com/gin-gonic/gin"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// LoadTemplates parses the embedded page templates into router.
func LoadTemplates(router *gin.Engine) {
	tmpl := template.Must(template.New("").ParseFS(templateFS, "templates/*.tmpl"))
	router.SetHTMLTemplate(tmpl)
}
