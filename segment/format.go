package segment

// Binary layout constants for the segment header:
//
//	offset  size     field
//	0       4        magic         = 0x454D5351  ("EMSQ")
//	4       2        version       = 1 (big-endian u16)
//	6       1        codec         = 0:none, 1:lz4, 2:zstd
//	7       1        checksum_algo = 1 (CRC32C)
//	8       N        batches       [ len:u32 | crc:u32 | compressed-payload:(len-4) bytes ]*
//	-16     8        trailer_off   = offset of batch_offsets block
//	-8      4        trailer_crc
//	-4      4        magic_tail    = 0x51534D45
const (
	magicHead      uint32 = 0x454D5351
	magicTail      uint32 = 0x51534D45
	formatVersion  uint16 = 1
	checksumCRC32C byte   = 1

	headerSize = 8  // magic(4) + version(2) + codec(1) + checksum_algo(1)
	footerSize = 16 // trailer_off(8) + trailer_crc(4) + magic_tail(4)
)
