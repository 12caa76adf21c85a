package cmd

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/alwitt/kegwatch/common"
	"github.com/alwitt/kegwatch/dashboard"
	"github.com/alwitt/kegwatch/presentation"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestBoardRenderer(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	board := dashboard.NewTapBoard()
	msg, err := common.NewLiveMessage(common.MsgTypeInitialData, []common.Tap{
		{ID: 7, Name: "Pils", KegCapacityMl: 20000, CurrentVolumeAvailableMl: 1000},
		{ID: 8, Name: "Stout", KegCapacityMl: 20000, CurrentVolumeAvailableMl: 20000},
	})
	assert.Nil(err)
	assert.Nil(board.Apply(msg))

	// Case 0: offline, no stats yet
	{
		out := bytes.Buffer{}
		uut := newBoardRenderer(&out, presentation.Options{Location: time.UTC}, true)
		assert.Nil(uut.render(board, false))
		text := out.String()
		assert.Contains(text, "kegwatch [offline]")
		assert.NotContains(text, "taps=")
		assert.Contains(text, "5% LOW")
		assert.Contains(text, "100%")
		assert.Contains(text, "no record")
	}

	// Case 1: online with stats
	{
		msg, err := common.NewLiveMessage(
			common.MsgTypeStatsUpdated, common.PipelineStats{TapCount: 2, LowKegCount: 1, SessionCount: 4},
		)
		assert.Nil(err)
		assert.Nil(board.Apply(msg))
		out := bytes.Buffer{}
		uut := newBoardRenderer(&out, presentation.Options{Location: time.UTC}, true)
		assert.Nil(uut.render(board, true))
		assert.Contains(out.String(), "kegwatch [online] taps=2 low=1 viewers=4")
	}

	// Case 2: raised low keg threshold flags the fuller tap too
	{
		msg, err := common.NewLiveMessage(common.MsgTypeTapUpdate, common.Tap{
			ID: 8, Name: "Stout", KegCapacityMl: 20000, CurrentVolumeAvailableMl: 3000,
		})
		assert.Nil(err)
		assert.Nil(board.Apply(msg))

		out := bytes.Buffer{}
		uut := newBoardRenderer(&out, presentation.Options{Location: time.UTC}, true)
		assert.Nil(uut.render(board, true))
		assert.NotContains(out.String(), "15% LOW")

		out.Reset()
		uut = newBoardRenderer(&out, presentation.OptionsFromThreshold(time.UTC, 0.20), true)
		assert.Nil(uut.render(board, true))
		assert.Contains(out.String(), "15% LOW")
		assert.Equal(2, strings.Count(out.String(), "% LOW"))
	}
}

func TestDescribeAlert(t *testing.T) {
	assert := assert.New(t)

	delta := common.TapStateDelta{
		TapID: 7, Tap: common.Tap{ID: 7, KegCapacityMl: 20000, CurrentVolumeAvailableMl: 1000},
	}

	// Case 0: low keg
	{
		msg, err := common.NewLiveMessage(common.MsgTypeKegLowAlert, delta)
		assert.Nil(err)
		assert.Equal("tap 7 is low: 5% left", describeAlert(msg, presentation.Options{Location: time.UTC}))
	}

	// Case 1: clamped pour
	{
		msg, err := common.NewLiveMessage(common.MsgTypePourClamped, delta)
		assert.Nil(err)
		assert.Contains(describeAlert(msg, presentation.Options{Location: time.UTC}), "tap 7 reported a pour larger")
	}

	// Case 2: garbage
	{
		msg := common.LiveMessage{Type: common.MsgTypeKegLowAlert, Data: []byte(`"x"`)}
		assert.Equal("keg_low_alert: unreadable alert", describeAlert(msg, presentation.Options{Location: time.UTC}))
	}
}
