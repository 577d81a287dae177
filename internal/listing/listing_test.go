package listing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const nginxIndex = `<html>
<head><title>Index of /gb/</title></head>
<body>
<h1>Index of /gb/</h1><hr><pre><a href="../">../</a>
<a href="sub/">sub/</a>                                               01-Feb-2024 08:00                   -
<a href="Foo%20%28USA%29.zip">Foo (USA).zip</a>                   12-Jan-2024 10:15              123456
<a href="Bar%20%28Europe%29%20%28Rev%201%29.zip">Bar (Europe) (Rev 1).zip</a> 03-Mar-2024 23:59             2048
</pre><hr></body>
</html>`

const apacheTable = `<!DOCTYPE HTML PUBLIC "-//W3C//DTD HTML 3.2 Final//EN">
<html><body>
<table>
<tr><th><a href="?C=N;O=D">Name</a></th><th><a href="?C=M;O=A">Last modified</a></th><th><a href="?C=S;O=A">Size</a></th></tr>
<tr><td><a href="/roms/">Parent Directory</a></td><td>&nbsp;</td><td align="right">-</td></tr>
<tr><td><a href="Game%20(Japan).7z">Game (Japan).7z</a></td><td align="right">2023-11-05 14:22</td><td align="right">4.0M</td></tr>
<tr><td><a href="Other.zip">Other.zip</a></td><td align="right">2024-02-01 09:00</td><td align="right">512</td></tr>
</table>
</body></html>`

func TestParseNginxPre(t *testing.T) {
	l, err := Parse(strings.NewReader(nginxIndex))
	require.NoError(t, err)
	require.Len(t, l.Entries, 2)

	assert.Equal(t, Entry{
		Filename:     "Foo (USA).zip",
		Size:         123456,
		SizeExact:    true,
		LastModified: "2024-01-12T10:15:00Z",
	}, l.Entries[0])
	assert.Equal(t, "Bar (Europe) (Rev 1).zip", l.Entries[1].Filename)
	assert.Equal(t, int64(2048), l.Entries[1].Size)
	assert.Equal(t, "2024-03-03T23:59:00Z", l.Fingerprint)
}

func TestParseApacheTable(t *testing.T) {
	l, err := Parse(strings.NewReader(apacheTable))
	require.NoError(t, err)
	require.Len(t, l.Entries, 2)

	game := l.Entries[0]
	assert.Equal(t, "Game (Japan).7z", game.Filename)
	assert.False(t, game.SizeExact)
	assert.Equal(t, int64(4000000), game.Size)
	assert.Equal(t, "2023-11-05T14:22:00Z", game.LastModified)

	other := l.Entries[1]
	assert.Equal(t, int64(512), other.Size)
	assert.True(t, other.SizeExact)
	assert.Equal(t, "2024-02-01T09:00:00Z", l.Fingerprint)
}

func TestParseBareLinks(t *testing.T) {
	l, err := Parse(strings.NewReader(`<ul><li><a href="a.zip">a</a></li><li><a href="a.zip">dup</a></li><li><a href="#top">top</a></li></ul>`))
	require.NoError(t, err)
	require.Len(t, l.Entries, 1)
	assert.Equal(t, Entry{Filename: "a.zip"}, l.Entries[0])
	assert.Empty(t, l.Fingerprint)
}

func TestNormalizeTime(t *testing.T) {
	assert.Equal(t, "2024-01-12T10:15:00Z", NormalizeTime("Fri, 12 Jan 2024 10:15:00 GMT"))
	assert.Equal(t, "2024-01-12T10:15:00Z", NormalizeTime("12-Jan-2024 10:15"))
	assert.Equal(t, "whenever", NormalizeTime(" whenever "))
}
