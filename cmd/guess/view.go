package main

import (
	"fmt"
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/skip2/go-qrcode"
)

var (
	roomStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	noticeStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("11")).
			Padding(0, 1)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	degradedOnce sync.Once
)

func status(msg string) {
	fmt.Fprintln(os.Stderr, dimStyle.Render(msg))
}

// showRoom prints the room id. Rooms on the server also get a QR code so a
// phone can pick the id up; local rooms cannot be joined from elsewhere.
func showRoom(id string, degraded bool) {
	fmt.Println("room " + roomStyle.Render(id))
	if degraded {
		return
	}
	qr, err := qrcode.New(id, qrcode.Medium)
	if err != nil {
		return
	}
	fmt.Print(qr.ToSmallString(false))
}

// showDegraded prints the local mode notice once per process
func showDegraded() {
	degradedOnce.Do(func() {
		fmt.Fprintln(os.Stderr, noticeStyle.Render(
			warnStyle.Render("running in local mode")+"\n"+
				"the server could not be reached, showing a synthetic stream\n"+
				"run "+okStyle.Render("guess reset")+" to try the server again"))
	})
}
