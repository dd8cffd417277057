package secure

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiwa/timecard-mini/gptpsync/internal/tstamp"
	"github.com/shiwa/timecard-mini/gptpsync/internal/wire"
)

const allFields = FieldMessageLength | FieldDomain | FieldCorrection |
	FieldSourcePortIdentity | FieldSequenceID | FieldPreciseOriginTimestamp

func testFrame(seq uint16) *Frame {
	addr := net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	h := wire.NewHeader(wire.MsgFollowUp, 0, seq, -3, addr)
	h.Correction = tstamp.EncodeCorrection(5000)
	return &Frame{Header: h, POT: tstamp.Timestamp{Seconds: 1000, Nanoseconds: 77}}
}

func testConfig() *Config {
	cfg := &Config{TxSecured: true, TxFields: allFields}
	for i := range cfg.DataIDs {
		cfg.DataIDs[i] = uint8(0x10 + i)
	}
	return cfg
}

func sealedExtension(cfg *Config, f *Frame) *wire.Extension {
	e := &wire.Extension{
		Time:     &wire.TimeRecord{},
		Status:   &wire.StatusRecord{Status: 1},
		UserData: &wire.UserDataRecord{Length: 2, Bytes: [3]byte{0xA, 0xB}},
		Offset:   &wire.OffsetRecord{TimeDomain: 16, Seconds: 12, Nanoseconds: 34},
	}
	Seal(cfg, f, e)
	return e
}

func TestDataIDBySequence(t *testing.T) {
	cfg := testConfig()
	assert.Equal(t, uint8(0x10), cfg.DataIDs.For(0))
	assert.Equal(t, uint8(0x1F), cfg.DataIDs.For(15))
	assert.Equal(t, uint8(0x11), cfg.DataIDs.For(17))
}

func TestSealThenVerify(t *testing.T) {
	cfg := testConfig()
	cfg.RxTime, cfg.RxStatus, cfg.RxUserData, cfg.RxOffset = Validated, Validated, Validated, Validated
	f := testFrame(33)
	e := sealedExtension(cfg, f)

	rep, err := Verify(cfg, f, e)
	require.NoError(t, err)
	assert.Empty(t, rep.Rejected)
	assert.NotNil(t, e.Status)
	assert.NotNil(t, e.UserData)
	assert.NotNil(t, e.Offset)
}

func TestTimeCRCCoversSelectedFields(t *testing.T) {
	f := testFrame(5)
	c0, c1 := TimeCRC(f, allFields, 0x42)

	g := testFrame(5)
	g.Header.Correction = tstamp.EncodeCorrection(5001)
	d0, d1 := TimeCRC(g, allFields, 0x42)
	assert.Equal(t, c0, d0, "correction is covered only by CRC_Time_1")
	assert.NotEqual(t, c1, d1)

	g = testFrame(5)
	g.POT.Nanoseconds++
	d0, d1 = TimeCRC(g, allFields, 0x42)
	assert.NotEqual(t, c0, d0)
	assert.Equal(t, c1, d1)

	// поле вне флагов не влияет
	d0, d1 = TimeCRC(g, FieldDomain, 0x42)
	e0, e1 := TimeCRC(f, FieldDomain, 0x42)
	assert.Equal(t, e0, d0)
	assert.Equal(t, e1, d1)
}

func TestTimeCRCFailureRejectsFrame(t *testing.T) {
	cfg := testConfig()
	cfg.RxTime = Validated
	f := testFrame(9)
	e := sealedExtension(cfg, f)
	e.Time.CRC1 ^= 0xFF

	_, err := Verify(cfg, f, e)
	assert.ErrorIs(t, err, ErrCRCMismatch)

	cfg.RxTime = Optional
	rep, err := Verify(cfg, f, e)
	require.NoError(t, err)
	assert.Contains(t, rep.Tolerated, "time")

	cfg.RxTime = Validated
	_, err = Verify(cfg, f, nil)
	assert.ErrorIs(t, err, ErrTimeMissing)
}

func TestStatusCRCFlipByMode(t *testing.T) {
	tests := []struct {
		mode       Mode
		flip       bool
		wantStatus bool
	}{
		{Validated, true, false},
		{Validated, false, true},
		{Ignored, true, true},
		{NotValidated, true, false},
		{NotValidated, false, false},
		{Optional, true, true},
	}
	for _, tt := range tests {
		name := tt.mode.String()
		if tt.flip {
			name += "/flipped"
		}
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			cfg.RxTime = Ignored
			cfg.RxStatus = tt.mode
			f := testFrame(100)
			e := sealedExtension(cfg, f)
			if tt.flip {
				e.Status.CRC ^= 0x01
			}
			rep, err := Verify(cfg, f, e)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, e.Status != nil)
			assert.Equal(t, !tt.wantStatus, len(rep.Rejected) == 1)
			// соседние подзаписи не затрагиваются
			assert.NotNil(t, e.UserData)
			assert.NotNil(t, e.Offset)
		})
	}
}

func TestNotSecuredVariants(t *testing.T) {
	cfg := testConfig()
	cfg.TxSecured = false
	f := testFrame(3)
	e := sealedExtension(cfg, f)
	require.False(t, e.Status.Secured)
	assert.Zero(t, e.Status.CRC)

	cfg.RxTime = Ignored
	cfg.RxStatus, cfg.RxUserData, cfg.RxOffset = Validated, NotValidated, Ignored
	rep, err := Verify(cfg, f, e)
	require.NoError(t, err)
	assert.Nil(t, e.Status, "validated mode needs the secured variant")
	assert.NotNil(t, e.UserData)
	assert.NotNil(t, e.Offset)
	require.Len(t, rep.Rejected, 1)
	assert.ErrorIs(t, rep.Rejected[0].Err, ErrNotSecured)
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{Validated, NotValidated, Ignored, Optional} {
		got, err := ParseMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := ParseMode("sometimes")
	assert.Error(t, err)
}
