package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/pocketfileshare/pocketshare/internal/domain"
)

type shareRow struct {
	Share domain.Share
	URL   string
	Local string
}

// localURL addresses a share through the local proxy. The extra label keeps
// the host at three labels so the proxy can extract the subdomain.
func localURL(id string, proxyPort int) string {
	return "http://" + id + ".share.localhost:" + strconv.Itoa(proxyPort)
}

func printShareTable(w io.Writer, rows []shareRow) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No folders shared. Pass folders to serve to share them.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tURL\tLOCAL\tPASSCODE\tPORT\tSTATUS")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			r.Share.DisplayName(), r.URL, r.Local, r.Share.Passcode, r.Share.Port, r.Share.Status)
	}
	_ = tw.Flush()
}

func printRegistry(w io.Writer, shares []domain.Share, baseDomain string, now time.Time) {
	if len(shares) == 0 {
		fmt.Fprintln(w, "No shares.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tPORT\tCREATED\tLAST USED\tURL\tPATH")
	for _, sh := range shares {
		last := "never"
		if sh.LastAccessed != nil {
			last = humanize.RelTime(*sh.LastAccessed, now, "ago", "from now")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			sh.ID,
			sh.DisplayName(),
			sh.Status,
			sh.Port,
			humanize.RelTime(sh.CreatedAt, now, "ago", "from now"),
			last,
			"https://"+sh.ID+"."+baseDomain,
			sh.Path,
		)
	}
	_ = tw.Flush()
}

func printQRCode(w io.Writer, url string) {
	q, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, url)
	fmt.Fprint(w, q.ToSmallString(false))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
